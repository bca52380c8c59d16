package agents

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"time"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

// RegisterBuiltins adds the echo, transform, sleep, hash and http agents.
func RegisterBuiltins(r *Registry) error {
	jq := expressions.NewGoJQEngine()
	for _, a := range []Agent{Echo(), Transform(jq), Sleep(), Hash(), NewHTTPAgent(HTTPConfig{})} {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// Echo returns its input unchanged.
func Echo() *Func {
	return NewFunc("echo", "Returns its input unchanged.", func(_ context.Context, input map[string]any) (any, error) {
		return input, nil
	})
}

// Transform runs a jq program over input.data.
func Transform(jq *expressions.GoJQEngine) *Func {
	return NewFunc("transform", "Applies the jq program in `expression` to `data`.",
		func(ctx context.Context, input map[string]any) (any, error) {
			expr, _ := input["expression"].(string)
			return jq.Evaluate(ctx, expr, map[string]any{"data": input["data"]})
		}).
		WithInputSchema(`{
			"type": "object",
			"required": ["expression"],
			"properties": {
				"expression": {"type": "string", "minLength": 1},
				"data": {}
			}
		}`)
}

// Sleep waits for input.duration and returns {"slept": duration}.
func Sleep() *Func {
	return NewFunc("sleep", "Waits for `duration` (Go duration string).",
		func(ctx context.Context, input map[string]any) (any, error) {
			raw, _ := input["duration"].(string)
			d, err := time.ParseDuration(raw)
			if err != nil || d < 0 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid duration %q", raw)
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return map[string]any{"slept": d.String()}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}).
		WithInputSchema(`{
			"type": "object",
			"required": ["duration"],
			"properties": {"duration": {"type": "string"}}
		}`)
}

var hashes = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// Hash digests input.data with input.algorithm (default sha256), keyed as an
// HMAC when input.key is set. Returns {"hash": hex, "algorithm": name}.
func Hash() *Func {
	return NewFunc("hash", "Hex digest of `data`; HMAC when `key` is set.",
		func(_ context.Context, input map[string]any) (any, error) {
			data, _ := input["data"].(string)
			algorithm := stringParam(input, "algorithm", "sha256")
			newHash, ok := hashes[algorithm]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm %q", algorithm)
			}
			h := newHash()
			if key := stringParam(input, "key", ""); key != "" {
				h = hmac.New(newHash, []byte(key))
			}
			h.Write([]byte(data))
			return map[string]any{"hash": hex.EncodeToString(h.Sum(nil)), "algorithm": algorithm}, nil
		}).
		WithInputSchema(`{
			"type": "object",
			"required": ["data"],
			"properties": {
				"data": {"type": "string"},
				"algorithm": {"type": "string", "enum": ["sha1", "sha256", "sha384", "sha512"]},
				"key": {"type": "string"}
			}
		}`)
}
