package store

import (
	"context"
	"time"
)

// Store is the minimal set of atomic operations a lock needs.
type Store interface {
	// SetNX stores value under key with the given TTL only if key is absent.
	// It reports whether the value was written.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes key unconditionally. Removing a missing key is not an error.
	Del(ctx context.Context, key string) error
	// CompareAndDelete removes key only if its current value equals value, as
	// one indivisible operation. It reports whether the key was removed.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// Get returns the current value of key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
}
