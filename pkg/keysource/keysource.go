// Package keysource supplies the symmetric key that seals an on-disk
// credential store.
//
// Static wraps a key held by the host application, Passphrase derives one
// with argon2id from a passphrase and a persisted salt. Hardware-backed
// sources live in the tpm2 and pkcs11 subpackages.
package keysource

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the length in bytes of every key returned by a KeySource.
const KeySize = 32

// KeySource returns the key used to seal and open a secret store.
type KeySource interface {
	Key(ctx context.Context) ([]byte, error)
}

// Func adapts a function to the KeySource interface.
type Func func(ctx context.Context) ([]byte, error)

// Key executes the underlying function.
func (f Func) Key(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

var (
	// ErrInvalidKey indicates a key of the wrong length.
	ErrInvalidKey = errors.New("keysource: key must be 32 bytes")
	// ErrInvalidConfig indicates the key source configuration is invalid.
	ErrInvalidConfig = errors.New("keysource: invalid configuration")
)

// Static is a KeySource returning a fixed key.
type Static struct {
	key []byte
}

// NewStatic returns a Static source for a 32-byte key. The key is copied.
func NewStatic(key []byte) (*Static, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Static{key: k}, nil
}

// NewStaticHex returns a Static source for a hex-encoded 32-byte key.
func NewStaticHex(encoded string) (*Static, error) {
	key, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: key must be hex encoded: %v", ErrInvalidConfig, err)
	}
	return NewStatic(key)
}

// Key returns a copy of the key.
func (s *Static) Key(ctx context.Context) ([]byte, error) {
	if s == nil {
		return nil, errors.New("keysource: static source is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]byte, len(s.key))
	copy(out, s.key)
	return out, nil
}
