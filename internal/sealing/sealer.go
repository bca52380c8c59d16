package sealing

// Sealer protects suspended-execution snapshots at rest.
// aad binds a sealed blob to its owner (the resumption token), so a blob
// copied onto another record fails to open.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

// Plain stores snapshots unencrypted. Used when no key is configured.
type Plain struct{}

func (Plain) Seal(plaintext, _ []byte) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

func (Plain) Open(sealed, _ []byte) ([]byte, error) {
	return append([]byte(nil), sealed...), nil
}

var _ Sealer = Plain{}
