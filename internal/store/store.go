// Package store defines the atomic key-value contract every cross-worker
// coordination point (locks, circuit state, budget counters, cache entries)
// is built on, with a Redis implementation for production and an in-memory
// one for single-node mode and tests.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrConflict is returned by Update when the optimistic transaction
	// kept losing races and gave up.
	ErrConflict = errors.New("store: too many concurrent updates")
)

// Increment is one counter delta applied by IncrBy.
type Increment struct {
	Key   string
	Delta int64
}

// UpdateFunc computes the next value of a key from its current value.
// exists is false when the key is absent. Returning an error aborts the
// update and leaves the key untouched.
type UpdateFunc func(current string, exists bool) (string, error)

// Store is the atomic key-value contract. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// CompareAndDelete deletes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// IncrBy applies all increments in one atomic round-trip and returns
	// the new values in the same order.
	IncrBy(ctx context.Context, ttl time.Duration, incs ...Increment) ([]int64, error)
	// Update atomically replaces key with fn(current). fn may run more than
	// once when a concurrent writer wins the race.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (string, error)
	Ping(ctx context.Context) error
	Close() error
}
