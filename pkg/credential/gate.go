package credential

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxAttempts is the number of consecutive failures that
	// triggers a lockout.
	DefaultMaxAttempts = 5
	// DefaultLockoutDuration is the cooldown applied once MaxAttempts is
	// reached.
	DefaultLockoutDuration = 30 * time.Second
)

// Config holds the lockout policy of a Gate.
type Config struct {
	// MaxAttempts is the number of consecutive failed verifications that
	// engage the lockout.
	// Default: 5
	MaxAttempts uint
	// LockoutDuration is how long verification stays suspended.
	// Default: 30s
	LockoutDuration time.Duration
}

// validate checks that the configuration is valid.
func (c Config) validate() error {
	if c.LockoutDuration < 0 {
		return fmt.Errorf("%w: lockout duration must not be negative", ErrInvalidConfig)
	}
	if c.MaxAttempts > 1000 {
		return fmt.Errorf("%w: max attempts must not exceed 1000", ErrInvalidConfig)
	}
	return nil
}

// Option customizes a Gate.
type Option func(*Gate)

// WithLogger sets the logger used for lockout and storage events.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock replaces time.Now, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithRandom replaces crypto/rand as the salt source.
func WithRandom(r io.Reader) Option {
	return func(g *Gate) {
		if r != nil {
			g.random = r
		}
	}
}

// Gate owns PIN hashing, verification and the lockout state machine.
// It is safe for concurrent use.
type Gate struct {
	cfg    Config
	store  Store
	logger *zap.Logger
	now    func() time.Time
	random io.Reader

	mu sync.Mutex
}

// NewGate constructs a Gate backed by store.
// The configuration is validated and defaults are applied.
func NewGate(store Store, cfg Config, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Apply defaults
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LockoutDuration == 0 {
		cfg.LockoutDuration = DefaultLockoutDuration
	}

	g := &Gate{
		cfg:    cfg,
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns the effective configuration.
func (g *Gate) Config() Config {
	if g == nil {
		return Config{}
	}
	return g.cfg
}

// IsSet reports whether a credential record exists.
// A corrupt record reports false together with ErrCorruptRecord.
func (g *Gate) IsSet(ctx context.Context) (bool, error) {
	if g == nil {
		return false, ErrNilGate
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.loadSecret(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNoCredential):
		return false, nil
	default:
		return false, err
	}
}

// Set replaces the credential with one for pin. The salt is regenerated and
// the attempt counter and lockout deadline are reset. An invalid pin returns
// ErrInvalidPin and leaves storage untouched.
func (g *Gate) Set(ctx context.Context, pin string) error {
	return g.set(ctx, pin, false)
}

// Enroll stores the first credential. It behaves like Set but returns
// ErrAlreadySet when a valid credential exists. A corrupt record may be
// replaced.
func (g *Gate) Enroll(ctx context.Context, pin string) error {
	return g.set(ctx, pin, true)
}

func (g *Gate) set(ctx context.Context, pin string, enroll bool) error {
	if g == nil {
		return ErrNilGate
	}
	if err := ValidatePin(pin); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(g.random, salt); err != nil {
		return fmt.Errorf("credential: failed to generate salt: %w", err)
	}

	values := secret{hash: hashPin(salt, pin), salt: salt}.encode()
	for k, v := range (counters{}).encode() {
		values[k] = v
	}

	return g.critical(ctx, func(ctx context.Context) error {
		if enroll {
			_, err := g.loadSecret(ctx)
			switch {
			case err == nil:
				return ErrAlreadySet
			case errors.Is(err, ErrNoCredential), errors.Is(err, ErrCorruptRecord):
			default:
				return err
			}
		}
		if err := g.write(ctx, values); err != nil {
			return err
		}
		g.logger.Info("pin set", zap.Bool("enroll", enroll))
		return nil
	})
}

// Verify checks pin against the stored credential.
//
// While locked out it returns StatusLockedOut without consuming an attempt.
// Without a credential it returns StatusRejected with zero attempts and
// ErrNoCredential; a malformed record yields ErrCorruptRecord instead. An
// error never accompanies StatusAccepted.
func (g *Gate) Verify(ctx context.Context, pin string) (Outcome, error) {
	if g == nil {
		return rejected(0), ErrNilGate
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return rejected(0), err
	}

	out := rejected(0)
	err := g.critical(ctx, func(ctx context.Context) error {
		now := g.now()
		c, state, err := g.resolve(ctx, now)
		if err != nil {
			return err
		}
		if state.Locked {
			out = lockedOut(state.Remaining)
			return nil
		}

		sec, err := g.loadSecret(ctx)
		if err != nil {
			return err
		}

		candidate := hashPin(sec.salt, pin)
		if subtle.ConstantTimeCompare(candidate, sec.hash) == 1 {
			if c.attempts != 0 || !c.deadline.IsZero() {
				if err := g.write(ctx, counters{}.encode()); err != nil {
					return err
				}
			}
			out = accepted()
			return nil
		}

		c.attempts++
		if c.attempts >= g.cfg.MaxAttempts {
			c.deadline = now.Add(g.cfg.LockoutDuration)
			if err := g.write(ctx, c.encode()); err != nil {
				return err
			}
			g.logger.Warn("lockout engaged",
				zap.Uint("attempts", c.attempts),
				zap.Time("deadline", c.deadline),
			)
			out = lockedOut(g.cfg.LockoutDuration)
			return nil
		}

		if err := g.write(ctx, c.encode()); err != nil {
			return err
		}
		remaining := g.cfg.MaxAttempts - c.attempts
		g.logger.Info("pin rejected",
			zap.Uint("attempts", c.attempts),
			zap.Uint("remaining", remaining),
		)
		out = rejected(remaining)
		return nil
	})
	if err != nil {
		return rejected(0), err
	}
	return out, nil
}

// State returns the derived lockout state. An elapsed lockout is cleared as
// a side effect, resetting the attempt counter, and an exhausted counter
// without a deadline engages the lockout from now.
func (g *Gate) State(ctx context.Context) (LockoutState, error) {
	if g == nil {
		return LockoutState{}, ErrNilGate
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return LockoutState{}, err
	}

	var state LockoutState
	err := g.critical(ctx, func(ctx context.Context) error {
		var err error
		_, state, err = g.resolve(ctx, g.now())
		return err
	})
	return state, err
}

// RemainingAttempts returns how many failures are left before a lockout.
// It neither mutates state nor resolves an elapsed lockout.
func (g *Gate) RemainingAttempts(ctx context.Context) (uint, error) {
	if g == nil {
		return 0, ErrNilGate
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	c, err := g.loadCounters(ctx)
	if err != nil {
		return 0, err
	}
	if c.attempts >= g.cfg.MaxAttempts {
		return 0, nil
	}
	return g.cfg.MaxAttempts - c.attempts, nil
}

// Clear deletes the credential record and all counters.
func (g *Gate) Clear(ctx context.Context) error {
	if g == nil {
		return ErrNilGate
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return g.critical(ctx, func(ctx context.Context) error {
		if err := g.store.Clear(ctx); err != nil {
			return storageError("clear", err)
		}
		g.logger.Info("credential cleared")
		return nil
	})
}

// critical runs fn holding the gate mutex and, when the store supports it,
// the store lock.
func (g *Gate) critical(ctx context.Context, fn func(context.Context) error) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if locker, ok := g.store.(Locker); ok {
		unlock, lerr := locker.Lock(ctx)
		if lerr != nil {
			return storageError("lock", lerr)
		}
		defer func() {
			if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
				err = errors.Join(err, storageError("unlock", uerr))
			}
		}()
	}

	return fn(ctx)
}

// resolve loads the counters and applies the lazy LockedOut -> Unlocked
// transition. Must be called inside critical.
func (g *Gate) resolve(ctx context.Context, now time.Time) (counters, LockoutState, error) {
	c, err := g.loadCounters(ctx)
	if err != nil {
		return counters{}, LockoutState{}, err
	}
	if c.locked(now) {
		return c, LockoutState{
			Locked:    true,
			Remaining: c.deadline.Sub(now),
			Deadline:  c.deadline,
		}, nil
	}

	// A counter at the limit without a deadline means the deadline write was
	// lost. The lockout starts now.
	if c.deadline.IsZero() && c.attempts >= g.cfg.MaxAttempts {
		c.deadline = now.Add(g.cfg.LockoutDuration)
		if err := g.write(ctx, c.encode()); err != nil {
			return counters{}, LockoutState{}, err
		}
		g.logger.Warn("lockout engaged without deadline",
			zap.Uint("attempts", c.attempts),
			zap.Time("deadline", c.deadline),
		)
		return c, LockoutState{
			Locked:    true,
			Remaining: g.cfg.LockoutDuration,
			Deadline:  c.deadline,
		}, nil
	}

	// An expired deadline starts a fresh cycle.
	if !c.deadline.IsZero() {
		c = counters{}
		if err := g.write(ctx, c.encode()); err != nil {
			return counters{}, LockoutState{}, err
		}
		g.logger.Info("lockout expired")
	}
	return c, LockoutState{}, nil
}

func (g *Gate) loadCounters(ctx context.Context) (counters, error) {
	rawCount, hasCount, err := g.store.Get(ctx, KeyAttemptCount)
	if err != nil {
		return counters{}, storageError("get attempt_count", err)
	}
	rawDeadline, hasDeadline, err := g.store.Get(ctx, KeyLockoutTimestamp)
	if err != nil {
		return counters{}, storageError("get lockout_timestamp", err)
	}
	c, err := decodeCounters(rawCount, hasCount, rawDeadline, hasDeadline)
	if err != nil {
		g.logger.Error("credential record corrupt", zap.Error(err))
		return counters{}, err
	}
	return c, nil
}

func (g *Gate) loadSecret(ctx context.Context) (secret, error) {
	rawHash, hasHash, err := g.store.Get(ctx, KeyHash)
	if err != nil {
		return secret{}, storageError("get pin_hash", err)
	}
	rawSalt, hasSalt, err := g.store.Get(ctx, KeySalt)
	if err != nil {
		return secret{}, storageError("get pin_salt", err)
	}
	sec, err := decodeSecret(rawHash, hasHash, rawSalt, hasSalt)
	if err != nil && errors.Is(err, ErrCorruptRecord) {
		g.logger.Error("credential record corrupt", zap.Error(err))
	}
	return sec, err
}

// writeRank orders single-key writes. The deadline goes before the count,
// so a partial write never leaves an exhausted counter that reads as a
// fresh cycle.
var writeRank = map[string]int{
	KeyLockoutTimestamp: 0,
	KeyAttemptCount:     1,
	KeyHash:             2,
	KeySalt:             3,
}

// write stores values atomically when the store supports batches. Otherwise
// keys are written one by one in writeRank order.
func (g *Gate) write(ctx context.Context, values map[string][]byte) error {
	if bw, ok := g.store.(BatchWriter); ok {
		if err := bw.PutAll(ctx, values); err != nil {
			return storageError("put", err)
		}
		return nil
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, iok := writeRank[keys[i]]
		rj, jok := writeRank[keys[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return keys[i] < keys[j]
		}
	})
	for _, k := range keys {
		if err := g.store.Put(ctx, k, values[k]); err != nil {
			return storageError("put "+k, err)
		}
	}
	return nil
}

// storageError classifies a store failure. Corruption reported by the store
// keeps its class; everything else becomes ErrStorageUnavailable.
func storageError(op string, err error) error {
	if errors.Is(err, ErrCorruptRecord) {
		return fmt.Errorf("%w: %s", ErrCorruptRecord, op)
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}
