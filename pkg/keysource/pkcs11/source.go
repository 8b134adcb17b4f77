// Package pkcs11 provides a keysource.KeySource that reads the store key
// from a secret-key object on a PKCS#11 token such as a smart card or HSM.
//
// The native session provider links against the token's module through cgo
// and is compiled with the pkcs11 build tag:
//
//	go build -tags pkcs11 ./...
package pkcs11

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-pingate/pkg/keysource"
)

// Session represents an active PKCS#11 session.
type Session interface {
	Login(ctx context.Context, pin string) error
	// ReadSecret returns the CKA_VALUE of the secret-key object with the
	// given CKA_LABEL.
	ReadSecret(ctx context.Context, label string) ([]byte, error)
	Logout(ctx context.Context) error
}

// SessionProvider abstracts creation of PKCS#11 sessions from configuration.
type SessionProvider interface {
	Open(ctx context.Context, cfg Config) (Session, error)
}

var (
	// ErrInvalidPIN indicates the token rejected the user PIN.
	ErrInvalidPIN = errors.New("pkcs11: invalid PIN")
	// ErrKeyNotFound indicates no object carries the configured label.
	ErrKeyNotFound = errors.New("pkcs11: key object not found")
	// ErrNilSource indicates a nil source was used.
	ErrNilSource = errors.New("pkcs11: source is nil")

	errSystemProviderUnavailable = errors.New("pkcs11: system provider unavailable; build with PKCS#11 support to use default")
)

// Config supplies the parameters required to locate the key on a token.
type Config struct {
	ModulePath string
	TokenLabel string
	Slot       string
	// KeyLabel is the CKA_LABEL of the secret-key object.
	KeyLabel string
	// PIN is the token user PIN.
	PIN string
}

func (c Config) validate() error {
	if c.ModulePath == "" {
		return errors.New("pkcs11: module path must not be empty")
	}
	if c.TokenLabel == "" && c.Slot == "" {
		return errors.New("pkcs11: either token label or slot must be specified")
	}
	if c.KeyLabel == "" {
		return errors.New("pkcs11: key label must not be empty")
	}
	if c.PIN == "" {
		return errors.New("pkcs11: pin must not be empty")
	}
	return nil
}

var systemSessionProvider SessionProvider

// SetSystemSessionProvider installs the default session provider used when
// callers pass nil to NewSource.
func SetSystemSessionProvider(p SessionProvider) {
	systemSessionProvider = p
}

// Source reads the store key from a PKCS#11 token on every call.
type Source struct {
	cfg      Config
	provider SessionProvider
}

var _ keysource.KeySource = (*Source)(nil)

// NewSource constructs a PKCS#11 key source. If provider is nil the
// package-level system provider is used, which requires linking against a
// real PKCS#11 implementation.
func NewSource(cfg Config, provider SessionProvider) (*Source, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		if systemSessionProvider == nil {
			return nil, errSystemProviderUnavailable
		}
		provider = systemSessionProvider
	}
	return &Source{cfg: cfg, provider: provider}, nil
}

// Key logs in to the token, reads the key object and logs out.
func (s *Source) Key(ctx context.Context) (key []byte, err error) {
	if s == nil {
		return nil, ErrNilSource
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := s.provider.Open(ctx, s.cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := session.Logout(ctx); cerr != nil {
			err = errors.Join(err, cerr)
			if key != nil {
				clear(key)
				key = nil
			}
		}
	}()

	if err := session.Login(ctx, s.cfg.PIN); err != nil {
		return nil, err
	}
	data, err := session.ReadSecret(ctx, s.cfg.KeyLabel)
	if err != nil {
		return nil, err
	}
	if len(data) != keysource.KeySize {
		clear(data)
		return nil, fmt.Errorf("%w: token object holds %d bytes", keysource.ErrInvalidKey, len(data))
	}
	return data, nil
}
