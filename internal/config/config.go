// Package config loads and writes the pingate.yaml configuration used by the
// pingate commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-pingate/internal/logging"
	"github.com/jeremyhahn/go-pingate/pkg/api"
	"github.com/jeremyhahn/go-pingate/pkg/biometric"
	"github.com/jeremyhahn/go-pingate/pkg/credential"
	"github.com/jeremyhahn/go-pingate/pkg/keysource/pkcs11"
	"github.com/jeremyhahn/go-pingate/pkg/keysource/tpm2"
	"github.com/jeremyhahn/go-pingate/pkg/unlock"
)

const (
	// FileName is the base name searched for in the config directories.
	FileName = "pingate"
	// EnvPrefix prefixes environment overrides, e.g. PINGATE_STORE_BACKEND.
	EnvPrefix = "pingate"
)

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs" yaml:"addrs,omitempty"`
	Username string   `mapstructure:"username" yaml:"username,omitempty"`
	Password string   `mapstructure:"password" yaml:"password,omitempty"`
	DB       int      `mapstructure:"db" yaml:"db"`
	Prefix   string   `mapstructure:"prefix" yaml:"prefix,omitempty"`
}

// StoreConfig selects the secret store.
type StoreConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend"`
	Path    string      `mapstructure:"path" yaml:"path,omitempty"`
	DSN     string      `mapstructure:"dsn" yaml:"dsn,omitempty"`
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis,omitempty"`
}

// TPM2Config locates a sealed key on a TPM.
type TPM2Config struct {
	Device   string `mapstructure:"device" yaml:"device,omitempty"`
	Handle   uint32 `mapstructure:"handle" yaml:"handle,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	PCRs     []int  `mapstructure:"pcrs" yaml:"pcrs,omitempty"`
	Hash     string `mapstructure:"hash" yaml:"hash,omitempty"`
}

// PKCS11Config locates a secret-key object on a token.
type PKCS11Config struct {
	Module string `mapstructure:"module" yaml:"module,omitempty"`
	Token  string `mapstructure:"token" yaml:"token,omitempty"`
	Slot   string `mapstructure:"slot" yaml:"slot,omitempty"`
	Label  string `mapstructure:"label" yaml:"label,omitempty"`
	PIN    string `mapstructure:"pin" yaml:"pin,omitempty"`
}

// KeyConfig selects the key sealing the file backend.
type KeyConfig struct {
	Source     string       `mapstructure:"source" yaml:"source"`
	Hex        string       `mapstructure:"hex" yaml:"hex,omitempty"`
	Passphrase string       `mapstructure:"passphrase" yaml:"passphrase,omitempty"`
	SaltPath   string       `mapstructure:"salt_path" yaml:"salt_path,omitempty"`
	TPM2       TPM2Config   `mapstructure:"tpm2" yaml:"tpm2,omitempty"`
	PKCS11     PKCS11Config `mapstructure:"pkcs11" yaml:"pkcs11,omitempty"`
}

// LockoutConfig configures the attempt limit and its enforcement.
type LockoutConfig struct {
	MaxAttempts uint          `mapstructure:"max_attempts" yaml:"max_attempts"`
	Duration    time.Duration `mapstructure:"duration" yaml:"duration"`
	// Policy is "force_logout" or "cooldown".
	Policy string `mapstructure:"policy" yaml:"policy"`
}

// MarshalYAML writes Duration in time.Duration notation, e.g. "30s".
func (l LockoutConfig) MarshalYAML() (any, error) {
	return struct {
		MaxAttempts uint   `yaml:"max_attempts"`
		Duration    string `yaml:"duration"`
		Policy      string `yaml:"policy"`
	}{l.MaxAttempts, l.Duration.String(), l.Policy}, nil
}

// BiometricConfig holds the prompt text.
type BiometricConfig struct {
	Title       string `mapstructure:"title" yaml:"title,omitempty"`
	Subtitle    string `mapstructure:"subtitle" yaml:"subtitle,omitempty"`
	CancelLabel string `mapstructure:"cancel_label" yaml:"cancel_label,omitempty"`
}

// Config is the on-disk configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Key       KeyConfig       `mapstructure:"key" yaml:"key"`
	Lockout   LockoutConfig   `mapstructure:"lockout" yaml:"lockout"`
	Biometric BiometricConfig `mapstructure:"biometric" yaml:"biometric,omitempty"`
	Logging   logging.Config  `mapstructure:"logging" yaml:"logging"`
}

// Defaults returns the default values keyed by their dotted viper path.
// Every key is listed, empty or not, so that PINGATE_* variables can
// override it.
func Defaults() map[string]any {
	return map[string]any{
		"store.backend":          string(api.BackendFile),
		"store.path":             defaultDataPath("pin.sealed"),
		"store.dsn":              "",
		"store.redis.addrs":      []string{},
		"store.redis.username":   "",
		"store.redis.password":   "",
		"store.redis.db":         0,
		"store.redis.prefix":     "pingate:credential",
		"key.source":             string(api.KeySourcePassphrase),
		"key.hex":                "",
		"key.passphrase":         "",
		"key.salt_path":          defaultDataPath("pin.salt"),
		"key.tpm2.device":        "/dev/tpmrm0",
		"key.tpm2.handle":        0,
		"key.tpm2.password":      "",
		"key.tpm2.pcrs":          []int{},
		"key.tpm2.hash":          "SHA256",
		"key.pkcs11.module":      "",
		"key.pkcs11.token":       "",
		"key.pkcs11.slot":        "",
		"key.pkcs11.label":       "",
		"key.pkcs11.pin":         "",
		"lockout.max_attempts":   credential.DefaultMaxAttempts,
		"lockout.duration":       credential.DefaultLockoutDuration,
		"lockout.policy":         unlock.PolicyForceLogout.String(),
		"biometric.title":        "Unlock",
		"biometric.subtitle":     "",
		"biometric.cancel_label": "Use PIN",
		"logging.level":          "info",
		"logging.format":         "console",
		"logging.development":    false,
	}
}

// DefaultPath returns the user configuration file path.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: could not get user config directory: %w", err)
	}
	return filepath.Join(dir, "pingate", FileName+".yaml"), nil
}

func defaultDataPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, "pingate", name)
}

// Load resolves the configuration from defaults, then pingate.yaml (the
// explicit path when non-empty, otherwise the user config directory and the
// working directory), then PINGATE_* environment variables, then flags.
// A missing file in the search path is not an error.
func Load(flags *pflag.FlagSet, path string) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return c, fmt.Errorf("config: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		if p, err := DefaultPath(); err == nil {
			v.AddConfigPath(filepath.Dir(p))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return c, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("config: decode: %w", err)
	}
	return c, nil
}

// Write persists c as YAML at path, creating parent directories. The file
// is written with mode 0600 since it may carry a passphrase or token PIN.
func Write(path string, c *Config) error {
	if c == nil {
		return errors.New("config: nil config")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: could not create config directory %s: %w", dir, err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Service converts c into an api.Config.
func (c Config) Service(logger *zap.Logger) (api.Config, error) {
	policy, err := unlock.ParseLockoutPolicy(c.Lockout.Policy)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Store: api.StoreConfig{
			Backend: api.BackendName(c.Store.Backend),
			Path:    c.Store.Path,
			DSN:     c.Store.DSN,
			Redis: api.RedisConfig{
				Addrs:    c.Store.Redis.Addrs,
				Username: c.Store.Redis.Username,
				Password: c.Store.Redis.Password,
				DB:       c.Store.Redis.DB,
				Prefix:   c.Store.Redis.Prefix,
			},
		},
		Key: api.KeyConfig{
			Source:     api.KeySourceName(c.Key.Source),
			StaticHex:  c.Key.Hex,
			Passphrase: c.Key.Passphrase,
			SaltPath:   c.Key.SaltPath,
			TPM2: tpm2.Config{
				DevicePath:    c.Key.TPM2.Device,
				SealedHandle:  tpm2.Handle(c.Key.TPM2.Handle),
				Password:      c.Key.TPM2.Password,
				PCRSelection:  c.Key.TPM2.PCRs,
				HashAlgorithm: c.Key.TPM2.Hash,
			},
			PKCS11: pkcs11.Config{
				ModulePath: c.Key.PKCS11.Module,
				TokenLabel: c.Key.PKCS11.Token,
				Slot:       c.Key.PKCS11.Slot,
				KeyLabel:   c.Key.PKCS11.Label,
				PIN:        c.Key.PKCS11.PIN,
			},
		},
		Gate: credential.Config{
			MaxAttempts:     c.Lockout.MaxAttempts,
			LockoutDuration: c.Lockout.Duration,
		},
		Policy: policy,
		BiometricPrompt: biometric.Prompt{
			Title:       c.Biometric.Title,
			Subtitle:    c.Biometric.Subtitle,
			CancelLabel: c.Biometric.CancelLabel,
		},
		Logger: logger,
	}, nil
}
