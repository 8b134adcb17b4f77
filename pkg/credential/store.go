package credential

import "context"

// Store is the durable key-value collaborator holding the credential record.
// Confidentiality and integrity of stored bytes are the store's concern.
type Store interface {
	// Get returns the value for key. The boolean is false when the key
	// does not exist.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value under key, replacing any prior value.
	Put(ctx context.Context, key string, value []byte) error
	// Clear removes every key owned by the store.
	Clear(ctx context.Context) error
}

// BatchWriter is implemented by stores able to write several keys atomically.
// The gate uses it to replace the whole credential record in one step.
type BatchWriter interface {
	PutAll(ctx context.Context, values map[string][]byte) error
}

// Locker is implemented by stores that can serialize access across
// processes. Lock blocks until the lock is held or ctx is done and returns
// the function releasing it.
type Locker interface {
	Lock(ctx context.Context) (unlock func(context.Context) error, err error)
}
