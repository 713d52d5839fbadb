// Package kvcache provides small keyed stores for delivery-side caches.
//
// The last-delivered-text and last-callback-time caches are passed into the
// delivery components explicitly rather than living as ambient globals, so a
// sharded deployment can back them with shared storage (Redis) without
// touching call logic.
package kvcache

import (
	"context"
	"sync"
	"time"
)

// KeyedStore is a minimal string key/value store with optional expiry.
type KeyedStore interface {
	// Get returns the value for key, or ("", nil) when absent.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// MemoryStore is the process-local KeyedStore used in single-instance
// deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
}

// NewMemoryStore creates an empty in-memory keyed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
	}
}

var _ KeyedStore = (*MemoryStore)(nil)

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.expires[key]; ok && time.Now().After(exp) {
		delete(s.values, key)
		delete(s.expires, key)
		return "", nil
	}
	return s.values[key], nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	if ttl > 0 {
		s.expires[key] = time.Now().Add(ttl)
	} else {
		delete(s.expires, key)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.expires, key)
	return nil
}
