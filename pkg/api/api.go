// Package api assembles a ready-to-use PIN gate from configuration: the
// secret store backend, the key source sealing it, the credential gate, the
// biometric adapter and unlock controllers.
package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jeremyhahn/go-pingate/pkg/biometric"
	"github.com/jeremyhahn/go-pingate/pkg/credential"
	"github.com/jeremyhahn/go-pingate/pkg/keysource"
	"github.com/jeremyhahn/go-pingate/pkg/keysource/pkcs11"
	"github.com/jeremyhahn/go-pingate/pkg/keysource/tpm2"
	"github.com/jeremyhahn/go-pingate/pkg/secretstore"
	"github.com/jeremyhahn/go-pingate/pkg/secretstore/redisstore"
	"github.com/jeremyhahn/go-pingate/pkg/secretstore/sqlstore"
	"github.com/jeremyhahn/go-pingate/pkg/unlock"
)

// BackendName identifies a secret store backend.
type BackendName string

const (
	BackendMemory   BackendName = "memory"
	BackendFile     BackendName = "file"
	BackendSQLite   BackendName = "sqlite"
	BackendPostgres BackendName = "postgres"
	BackendMySQL    BackendName = "mysql"
	BackendRedis    BackendName = "redis"
)

// KeySourceName identifies the key source sealing a file store.
type KeySourceName string

const (
	KeySourceStatic     KeySourceName = "static"
	KeySourcePassphrase KeySourceName = "passphrase"
	KeySourceTPM2       KeySourceName = "tpm2"
	KeySourcePKCS11     KeySourceName = "pkcs11"
)

var (
	// ErrUnknownBackend indicates an unsupported store backend name.
	ErrUnknownBackend = errors.New("api: unknown store backend")
	// ErrUnknownKeySource indicates an unsupported key source name.
	ErrUnknownKeySource = errors.New("api: unknown key source")
	// ErrNilService indicates a nil service was used.
	ErrNilService = errors.New("api: service is nil")
)

// RedisConfig locates the Redis server of the redis backend.
type RedisConfig struct {
	Addrs    []string
	Username string
	Password string
	DB       int
	Prefix   string
}

// StoreConfig selects and configures the secret store.
type StoreConfig struct {
	// Backend selects the store.
	// Default: memory
	Backend BackendName
	// Path is the sealed file of the file backend.
	Path string
	// DSN is the database of the sqlite, postgres and mysql backends.
	DSN   string
	Redis RedisConfig
	// Custom, when set, is used instead of Backend.
	Custom credential.Store
}

// KeyConfig selects the key source of the file backend.
type KeyConfig struct {
	Source KeySourceName
	// StaticHex is the hex key of the static source.
	StaticHex string
	// Passphrase and SaltPath configure the passphrase source.
	Passphrase string
	SaltPath   string
	TPM2       tpm2.Config
	PKCS11     pkcs11.Config
	// Custom, when set, is used instead of Source.
	Custom keysource.KeySource
}

// Config contains everything needed to build a Service.
type Config struct {
	Store StoreConfig
	Key   KeyConfig
	Gate  credential.Config
	// Policy is applied by controllers built with NewController.
	Policy unlock.LockoutPolicy
	// Sensor is the platform biometric sensor. When nil the system sensor
	// is used if installed, otherwise biometric.Unsupported.
	Sensor biometric.Sensor
	// BiometricPrompt is shown by controllers in unlock mode.
	BiometricPrompt biometric.Prompt
	Logger          *zap.Logger
}

// Service owns the store and the gates built on it.
type Service struct {
	cfg    Config
	store  credential.Store
	gate   *credential.Gate
	bio    *biometric.Gate
	logger *zap.Logger
	closer func() error
}

// NewService builds a Service from the supplied configuration.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closer == nil {
		closer = func() error { return nil }
	}

	gate, err := credential.NewGate(store, cfg.Gate, credential.WithLogger(logger.Named("credential")))
	if err != nil {
		return nil, errors.Join(err, closer())
	}

	sensor := cfg.Sensor
	if sensor == nil {
		sensor = defaultSensor()
	}
	bio, err := biometric.NewGate(sensor, gate, biometric.WithLogger(logger.Named("biometric")))
	if err != nil {
		return nil, errors.Join(err, closer())
	}

	backend := cfg.Store.Backend
	if cfg.Store.Custom != nil {
		backend = "custom"
	}
	logger.Info("service ready", zap.String("backend", string(backend)))

	return &Service{
		cfg:    cfg,
		store:  store,
		gate:   gate,
		bio:    bio,
		logger: logger,
		closer: closer,
	}, nil
}

// Gate returns the credential gate.
func (s *Service) Gate() *credential.Gate {
	if s == nil {
		return nil
	}
	return s.gate
}

// Store returns the secret store backing the gate.
func (s *Service) Store() credential.Store {
	if s == nil {
		return nil
	}
	return s.store
}

// Biometric returns the biometric gate.
func (s *Service) Biometric() *biometric.Gate {
	if s == nil {
		return nil
	}
	return s.bio
}

// NewController builds an unlock controller for mode using the configured
// lockout policy. Biometric unlock is wired in for ModeUnlock.
func (s *Service) NewController(mode unlock.Mode, opts ...unlock.Option) (*unlock.Controller, error) {
	if s == nil {
		return nil, ErrNilService
	}
	base := []unlock.Option{unlock.WithLogger(s.logger.Named("unlock"))}
	if mode == unlock.ModeUnlock {
		base = append(base, unlock.WithBiometric(s.bio))
	}
	return unlock.NewController(s.gate, unlock.Config{
		Mode:   mode,
		Policy: s.cfg.Policy,
		Prompt: s.cfg.BiometricPrompt,
	}, append(base, opts...)...)
}

// Close releases the store.
func (s *Service) Close() error {
	if s == nil {
		return ErrNilService
	}
	return s.closer()
}

func defaultSensor() biometric.Sensor {
	if biometric.HasSystemSensor() {
		return nil
	}
	return biometric.Unsupported{}
}

func openStore(ctx context.Context, cfg Config) (credential.Store, func() error, error) {
	if cfg.Store.Custom != nil {
		return cfg.Store.Custom, nil, nil
	}

	switch backend := BackendName(strings.ToLower(string(cfg.Store.Backend))); backend {
	case "", BackendMemory:
		return secretstore.NewMemory(), nil, nil

	case BackendFile:
		keys, err := openKeySource(cfg.Key)
		if err != nil {
			return nil, nil, err
		}
		f, err := secretstore.NewFile(secretstore.FileConfig{Path: cfg.Store.Path}, keys)
		if err != nil {
			return nil, nil, err
		}
		return f, nil, nil

	case BackendSQLite, BackendPostgres, BackendMySQL:
		s, err := sqlstore.Open(ctx, sqlstore.Config{Dialect: string(backend), DSN: cfg.Store.DSN})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case BackendRedis:
		rc := cfg.Store.Redis
		if len(rc.Addrs) == 0 {
			return nil, nil, errors.New("api: redis backend requires at least one address")
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    rc.Addrs,
			Username: rc.Username,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, errors.Join(fmt.Errorf("api: redis ping: %w", err), client.Close())
		}
		s, err := redisstore.New(client, redisstore.Config{Prefix: rc.Prefix})
		if err != nil {
			return nil, nil, errors.Join(err, client.Close())
		}
		return s, client.Close, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Store.Backend)
	}
}

func openKeySource(cfg KeyConfig) (keysource.KeySource, error) {
	if cfg.Custom != nil {
		return cfg.Custom, nil
	}
	switch cfg.Source {
	case KeySourceStatic:
		return keysource.NewStaticHex(cfg.StaticHex)
	case "", KeySourcePassphrase:
		return keysource.NewPassphrase(keysource.PassphraseConfig{
			Passphrase: cfg.Passphrase,
			SaltPath:   cfg.SaltPath,
		})
	case KeySourceTPM2:
		return tpm2.NewSource(cfg.TPM2, nil)
	case KeySourcePKCS11:
		return pkcs11.NewSource(cfg.PKCS11, nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeySource, cfg.Source)
	}
}
