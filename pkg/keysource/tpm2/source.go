// Package tpm2 provides a keysource.KeySource that unseals the store key
// from a TPM 2.0 device.
//
// The key is a 32-byte data object sealed under a persistent handle. When the
// object carries a PCR policy the TPM checks platform state as part of the
// unseal, so a key sealed to the boot measurements is only released on an
// unmodified platform.
//
// The native provider is compiled with the tpm2 build tag:
//
//	go build -tags tpm2 ./...
//
// Without it, callers install their own provider with SetSystemTPMProvider or
// pass one to NewSource.
package tpm2

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-pingate/pkg/keysource"
)

// Handle represents a TPM object handle for sealed data.
type Handle uint32

// TPMSession represents an active TPM connection capable of unsealing data.
type TPMSession interface {
	// Unseal returns the data sealed under handle. The TPM verifies any PCR
	// policy on the object during the operation.
	Unseal(ctx context.Context, handle Handle, password string) ([]byte, error)
	// Close terminates the TPM session.
	Close(ctx context.Context) error
}

// TPMProvider abstracts creation of TPM sessions from configuration.
type TPMProvider interface {
	Open(ctx context.Context, cfg Config) (TPMSession, error)
}

var (
	// ErrTPMUnavailable indicates the TPM device is not accessible.
	ErrTPMUnavailable = errors.New("tpm2: device unavailable")
	// ErrInvalidPassword indicates the object authorization was rejected.
	ErrInvalidPassword = errors.New("tpm2: invalid authorization")
	// ErrPCRMismatch indicates PCR policy validation failed during unseal.
	ErrPCRMismatch = errors.New("tpm2: pcr policy validation failed")
	// ErrInvalidHandle indicates an invalid sealed object handle.
	ErrInvalidHandle = errors.New("tpm2: invalid sealed object handle")
	// ErrNilSource indicates a nil source was used.
	ErrNilSource = errors.New("tpm2: source is nil")

	errSystemProviderUnavailable = errors.New("tpm2: system provider unavailable; build with -tags tpm2 or configure a TPM provider")
)

// Config locates the sealed store key on a TPM 2.0 device.
type Config struct {
	// DevicePath is the TPM device or resource manager (e.g. "/dev/tpmrm0").
	DevicePath string
	// SealedHandle is the persistent handle (0x81xxxxxx) of the sealed key.
	SealedHandle Handle
	// Password is the object authorization value. Empty is allowed for
	// objects sealed with an empty auth or a pure PCR policy.
	Password string
	// PCRSelection lists the PCRs of the object's policy. Only consulted
	// when the object carries a policy.
	PCRSelection []int
	// HashAlgorithm selects the PCR bank: "SHA1", "SHA256" (default),
	// "SHA384" or "SHA512".
	HashAlgorithm string
}

// validate checks that the configuration is valid.
func (c Config) validate() error {
	if c.DevicePath == "" {
		return errors.New("tpm2: device path must not be empty")
	}
	if c.SealedHandle == 0 {
		return errors.New("tpm2: sealed handle must be specified")
	}
	for _, pcr := range c.PCRSelection {
		if pcr < 0 || pcr > 23 {
			return fmt.Errorf("tpm2: PCR %d is invalid; must be between 0 and 23", pcr)
		}
	}
	switch c.HashAlgorithm {
	case "", "SHA1", "SHA256", "SHA384", "SHA512":
	default:
		return fmt.Errorf("tpm2: unsupported hash algorithm: %s", c.HashAlgorithm)
	}
	return nil
}

var systemTPMProvider TPMProvider

// SetSystemTPMProvider installs the default TPM provider used when callers
// pass nil to NewSource.
func SetSystemTPMProvider(p TPMProvider) {
	systemTPMProvider = p
}

// Source unseals the store key from a TPM on every call. Nothing is cached,
// so removing the TPM or changing platform state takes effect immediately.
type Source struct {
	cfg      Config
	provider TPMProvider
}

var _ keysource.KeySource = (*Source)(nil)

// NewSource constructs a TPM key source. If provider is nil the package-level
// system provider is used.
func NewSource(cfg Config, provider TPMProvider) (*Source, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		if systemTPMProvider == nil {
			return nil, errSystemProviderUnavailable
		}
		provider = systemTPMProvider
	}
	return &Source{cfg: cfg, provider: provider}, nil
}

// Key opens a session, unseals the key and closes the session.
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
		if cerr := session.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
			if key != nil {
				clear(key)
				key = nil
			}
		}
	}()

	data, err := session.Unseal(ctx, s.cfg.SealedHandle, s.cfg.Password)
	if err != nil {
		return nil, err
	}
	if len(data) != keysource.KeySize {
		clear(data)
		return nil, fmt.Errorf("%w: sealed object holds %d bytes", keysource.ErrInvalidKey, len(data))
	}
	return data, nil
}
