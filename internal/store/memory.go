package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore implements Store in process memory. It is only coherent
// within a single process and is used when Redis is disabled and in tests.
// Expired keys are dropped lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// getLocked returns the live entry for key. Caller must hold mu.
func (s *MemoryStore) getLocked(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.getLocked(key); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLocked(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) IncrBy(_ context.Context, ttl time.Duration, incs ...Increment) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything first so a bad key leaves no partial update.
	for _, inc := range incs {
		if e, ok := s.getLocked(inc.Key); ok {
			if _, err := strconv.ParseInt(e.value, 10, 64); err != nil {
				return nil, fmt.Errorf("store: value at %q is not an integer", inc.Key)
			}
		}
	}

	values := make([]int64, len(incs))
	for i, inc := range incs {
		var current int64
		expiresAt := s.expiry(ttl)
		if e, ok := s.entries[inc.Key]; ok {
			current, _ = strconv.ParseInt(e.value, 10, 64)
			if ttl <= 0 {
				expiresAt = e.expiresAt
			}
		}
		next := current + inc.Delta
		s.entries[inc.Key] = memoryEntry{value: strconv.FormatInt(next, 10), expiresAt: expiresAt}
		values[i] = next
	}
	return values, nil
}

func (s *MemoryStore) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.getLocked(key)
	next, err := fn(e.value, exists)
	if err != nil {
		return "", err
	}
	s.entries[key] = memoryEntry{value: next, expiresAt: s.expiry(ttl)}
	return next, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.entries {
		if _, ok := s.getLocked(key); ok {
			n++
		}
	}
	return n
}
