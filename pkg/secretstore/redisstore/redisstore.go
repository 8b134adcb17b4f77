// Package redisstore implements the credential Store on Redis.
//
// Record keys live under a common prefix. The store also implements
// credential.Locker with a SET NX lease so several processes sharing one
// Redis serialize their verifications and the attempt counter cannot be
// raced past the lockout threshold.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultPrefix namespaces every key written by the store.
	DefaultPrefix = "pingate:credential"
	// DefaultLockTTL bounds how long a crashed holder can keep the lease.
	DefaultLockTTL = 5 * time.Second
	// DefaultLockRetry is the polling interval while waiting for the lease.
	DefaultLockRetry = 20 * time.Millisecond
)

// ErrNilClient indicates a store was built without a client.
var ErrNilClient = errors.New("redisstore: client is nil")

// releaseScript deletes the lease only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config tunes a Store.
type Config struct {
	// Prefix namespaces the record keys.
	// Default: "pingate:credential"
	Prefix string
	// LockTTL is the lease lifetime.
	// Default: 5s
	LockTTL time.Duration
	// LockRetry is the polling interval while the lease is held elsewhere.
	// Default: 20ms
	LockRetry time.Duration
}

// Store is a Redis-backed credential store.
type Store struct {
	client    redis.UniversalClient
	prefix    string
	lockTTL   time.Duration
	lockRetry time.Duration
}

// New constructs a Store over client.
func New(client redis.UniversalClient, cfg Config) (*Store, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.Prefix), ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = DefaultLockRetry
	}
	return &Store{
		client:    client,
		prefix:    prefix,
		lockTTL:   cfg.LockTTL,
		lockRetry: cfg.LockRetry,
	}, nil
}

func (s *Store) key(name string) string {
	return s.prefix + ":" + name
}

func (s *Store) lockKey() string {
	return s.prefix + ".lock"
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	return v, true, nil
}

// Put stores value under key without expiry.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: put %s: %w", key, err)
	}
	return nil
}

// PutAll stores every value in one MULTI/EXEC transaction.
func (s *Store) PutAll(ctx context.Context, values map[string][]byte) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range values {
			p.Set(ctx, s.key(k), v, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: put batch: %w", err)
	}
	return nil
}

// Clear deletes every key under the prefix.
func (s *Store) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", 100).Result()
		if err != nil {
			return fmt.Errorf("redisstore: scan: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redisstore: clear: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Lock acquires the store lease, waiting until it is free or ctx is done.
func (s *Store) Lock(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	ticker := time.NewTicker(s.lockRetry)
	defer ticker.Stop()

	for {
		ok, err := s.client.SetNX(ctx, s.lockKey(), token, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: acquire lock: %w", err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := releaseScript.Run(ctx, s.client, []string{s.lockKey()}, token).Err(); err != nil {
					return fmt.Errorf("redisstore: release lock: %w", err)
				}
				return nil
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
