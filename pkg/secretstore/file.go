package secretstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jeremyhahn/go-pingate/pkg/credential"
	"github.com/jeremyhahn/go-pingate/pkg/keysource"
	"golang.org/x/crypto/chacha20poly1305"
)

// fileMagic prefixes every sealed file and is bound as additional data.
var fileMagic = []byte("PGS1")

var (
	// ErrNilKeySource indicates a File store was built without a key source.
	ErrNilKeySource = errors.New("secretstore: key source is nil")
	// ErrInvalidConfig indicates the store configuration is invalid.
	ErrInvalidConfig = errors.New("secretstore: invalid configuration")
)

// FileConfig locates a sealed file store.
type FileConfig struct {
	// Path is the sealed file (required).
	Path string
	// Perm is the file mode of the sealed file.
	// Default: 0600
	Perm os.FileMode
}

// validate checks that the configuration is valid.
func (c FileConfig) validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path must not be empty", ErrInvalidConfig)
	}
	if c.Perm&0o077 != 0 {
		return fmt.Errorf("%w: sealed file must not be group or world accessible", ErrInvalidConfig)
	}
	return nil
}

// File is a Store persisted as a single sealed file. The whole record set
// is rewritten on every change through a temporary file and rename, so
// readers never observe a partial write. It is safe for concurrent use
// within one process.
type File struct {
	cfg  FileConfig
	keys keysource.KeySource

	mu sync.Mutex
}

// NewFile constructs a File store. The file is created on the first write.
func NewFile(cfg FileConfig, keys keysource.KeySource) (*File, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, ErrNilKeySource
	}
	if cfg.Perm == 0 {
		cfg.Perm = 0o600
	}
	return &File{cfg: cfg, keys: keys}, nil
}

// Get returns the value stored under key.
func (f *File) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load(ctx)
	if err != nil {
		return nil, false, err
	}
	v, ok := data[key]
	return v, ok, nil
}

// Put stores value under key.
func (f *File) Put(ctx context.Context, key string, value []byte) error {
	return f.PutAll(ctx, map[string][]byte{key: value})
}

// PutAll stores every value with a single file replacement.
func (f *File) PutAll(ctx context.Context, values map[string][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load(ctx)
	if err != nil {
		return err
	}
	for k, v := range values {
		data[k] = clone(v)
	}
	return f.save(ctx, data)
}

// Clear removes the sealed file.
func (f *File) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("secretstore: remove %s: %w", f.cfg.Path, err)
	}
	return nil
}

// load reads and opens the sealed file. A missing file is an empty store.
func (f *File) load(ctx context.Context) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sealed, err := os.ReadFile(f.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string][]byte), nil
		}
		return nil, fmt.Errorf("secretstore: read %s: %w", f.cfg.Path, err)
	}

	minLen := len(fileMagic) + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(sealed) < minLen || !bytes.Equal(sealed[:len(fileMagic)], fileMagic) {
		return nil, fmt.Errorf("%w: %s is not a sealed store", credential.ErrCorruptRecord, f.cfg.Path)
	}

	aead, err := f.aead(ctx)
	if err != nil {
		return nil, err
	}
	body := sealed[len(fileMagic):]
	nonce, ciphertext := body[:chacha20poly1305.NonceSizeX], body[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ciphertext, fileMagic)
	if err != nil {
		return nil, fmt.Errorf("%w: %s failed authentication", credential.ErrCorruptRecord, f.cfg.Path)
	}
	defer zero(plain)

	data := make(map[string][]byte)
	if err := json.Unmarshal(plain, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", credential.ErrCorruptRecord, f.cfg.Path, err)
	}
	return data, nil
}

// save seals data and atomically replaces the file.
func (f *File) save(ctx context.Context, data map[string][]byte) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	plain, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("secretstore: encode: %w", err)
	}
	defer zero(plain)

	aead, err := f.aead(ctx)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("secretstore: failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(fileMagic)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, fileMagic...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plain, fileMagic)

	dir := filepath.Dir(f.cfg.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("secretstore: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".pingate-*")
	if err != nil {
		return fmt.Errorf("secretstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(f.cfg.Perm); err != nil {
		return errors.Join(fmt.Errorf("secretstore: chmod: %w", err), tmp.Close())
	}
	if _, err := tmp.Write(out); err != nil {
		return errors.Join(fmt.Errorf("secretstore: write: %w", err), tmp.Close())
	}
	if err := tmp.Sync(); err != nil {
		return errors.Join(fmt.Errorf("secretstore: sync: %w", err), tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("secretstore: close: %w", err)
	}
	if err := os.Rename(tmpName, f.cfg.Path); err != nil {
		return fmt.Errorf("secretstore: replace %s: %w", f.cfg.Path, err)
	}
	return nil
}

func (f *File) aead(ctx context.Context) (cipherAEAD, error) {
	key, err := f.keys.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("secretstore: key source: %w", err)
	}
	defer zero(key)
	if len(key) != keysource.KeySize {
		return nil, keysource.ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secretstore: cipher: %w", err)
	}
	return aead, nil
}

type cipherAEAD interface {
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}
