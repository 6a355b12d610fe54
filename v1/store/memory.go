package store

import (
	"context"
	"sync"
	"time"
)

type record struct {
	value     string
	expiresAt time.Time
}

func (r record) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
}

// InMemory implements Store using local memory. It only coordinates callers
// sharing the same instance, which makes it suitable for tests and
// single-process deployments.
type InMemory struct {
	mu      sync.Mutex
	records map[string]record
	now     func() time.Time
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]record), now: time.Now}
}

// lookup returns the live record for key, dropping it if it has expired.
// Callers must hold s.mu.
func (s *InMemory) lookup(key string) (record, bool) {
	r, ok := s.records[key]
	if !ok {
		return record{}, false
	}
	if r.expired(s.now()) {
		delete(s.records, key)
		return record{}, false
	}
	return r, true
}

// SetNX implements Store.SetNX.
func (s *InMemory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	r := record{value: value}
	if ttl > 0 {
		r.expiresAt = s.now().Add(ttl)
	}
	s.records[key] = r
	return true, nil
}

// Del implements Store.Del.
func (s *InMemory) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *InMemory) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lookup(key)
	if !ok || r.value != value {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

// Get implements Store.Get.
func (s *InMemory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lookup(key)
	return r.value, ok, nil
}

// Len reports the number of live records.
func (s *InMemory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, r := range s.records {
		if r.expired(now) {
			delete(s.records, k)
			continue
		}
		n++
	}
	return n
}
