package keysource

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

const passphraseSaltSize = 16

// PassphraseConfig holds argon2id parameters for a Passphrase source.
type PassphraseConfig struct {
	// Passphrase is the secret the key is derived from (required).
	Passphrase string
	// SaltPath is where the random salt is persisted (required). The file
	// is created on first use.
	SaltPath string
	// Time is the argon2id iteration count.
	// Default: 3
	Time uint32
	// MemoryKiB is the argon2id memory cost in KiB.
	// Default: 65536
	MemoryKiB uint32
	// Threads is the argon2id parallelism.
	// Default: 2
	Threads uint8
}

// validate checks that the configuration is valid.
func (c PassphraseConfig) validate() error {
	if c.Passphrase == "" {
		return fmt.Errorf("%w: passphrase must not be empty", ErrInvalidConfig)
	}
	if c.SaltPath == "" {
		return fmt.Errorf("%w: salt path must not be empty", ErrInvalidConfig)
	}
	return nil
}

// Passphrase derives the key from a passphrase with argon2id. The derived
// key is cached after the first call.
type Passphrase struct {
	cfg PassphraseConfig

	mu  sync.Mutex
	key []byte
}

// NewPassphrase constructs a Passphrase source.
func NewPassphrase(cfg PassphraseConfig) (*Passphrase, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Apply defaults
	if cfg.Time == 0 {
		cfg.Time = 3
	}
	if cfg.MemoryKiB == 0 {
		cfg.MemoryKiB = 64 * 1024
	}
	if cfg.Threads == 0 {
		cfg.Threads = 2
	}
	return &Passphrase{cfg: cfg}, nil
}

// Key derives (or returns the cached) key.
func (p *Passphrase) Key(ctx context.Context) ([]byte, error) {
	if p == nil {
		return nil, errors.New("keysource: passphrase source is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		salt, err := loadOrCreateSalt(p.cfg.SaltPath)
		if err != nil {
			return nil, err
		}
		p.key = argon2.IDKey([]byte(p.cfg.Passphrase), salt, p.cfg.Time, p.cfg.MemoryKiB, p.cfg.Threads, KeySize)
	}

	out := make([]byte, len(p.key))
	copy(out, p.key)
	return out, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != passphraseSaltSize {
			return nil, fmt.Errorf("keysource: salt file %s has %d bytes, want %d", path, len(salt), passphraseSaltSize)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("keysource: read salt: %w", err)
	}

	salt = make([]byte, passphraseSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keysource: failed to generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("keysource: create salt directory: %w", err)
	}
	// The salt is written to a temp file and linked into place, so readers
	// never see a partial file and two first-time callers cannot derive
	// from different salts.
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("keysource: create salt: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(salt); err != nil {
		return nil, errors.Join(fmt.Errorf("keysource: write salt: %w", err), tmp.Close())
	}
	if err := tmp.Sync(); err != nil {
		return nil, errors.Join(fmt.Errorf("keysource: sync salt: %w", err), tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("keysource: close salt: %w", err)
	}
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return loadOrCreateSalt(path)
		}
		return nil, fmt.Errorf("keysource: install salt: %w", err)
	}
	return salt, nil
}
