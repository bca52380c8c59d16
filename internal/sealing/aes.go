package sealing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/ensemble/pkg/schema"
)

const defaultIterations = 100_000

// Config configures key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type Config struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// Enabled reports whether the config carries key material.
func (c Config) Enabled() bool {
	return len(c.MasterKey) > 0 || c.Passphrase != ""
}

// AESSealer seals with AES-256-GCM. The random nonce is prepended to the ciphertext.
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESSealer derives the key and prepares the cipher.
func NewAESSealer(cfg Config) (*AESSealer, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESSealer{aead: aead}, nil
}

// New returns an AESSealer when cfg has key material and Plain otherwise.
func New(cfg Config) (Sealer, error) {
	if !cfg.Enabled() {
		return Plain{}, nil
	}
	return NewAESSealer(cfg)
}

func deriveKey(cfg Config) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeSealing,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeSealing, "either master key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeSealing, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func (s *AESSealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (s *AESSealer) Open(sealed, aad []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeSealing, "sealed snapshot too short")
	}
	plaintext, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], aad)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSealing, "open sealed snapshot: %s", err.Error())
	}
	return plaintext, nil
}

var _ Sealer = (*AESSealer)(nil)
