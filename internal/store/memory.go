package store

import (
	"context"
	"sync"
	"time"
)

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is an in-process KV implementation with the same TTL
// semantics as the redis store. Counters expire lazily on access.
type MemoryStore struct {
	mu       sync.Mutex
	blocked  map[string]struct{}
	counters map[string]*counterEntry
	lists    map[string][][]byte
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocked:  make(map[string]struct{}),
		counters: make(map[string]*counterEntry),
		lists:    make(map[string][][]byte),
		now:      time.Now,
	}
}

// SetClock overrides the store's time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) BlockIP(_ context.Context, ip string) error {
	s.mu.Lock()
	s.blocked[ip] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IsBlocked(_ context.Context, ip string) (bool, error) {
	s.mu.Lock()
	_, ok := s.blocked[ip]
	s.mu.Unlock()
	return ok, nil
}

func (s *MemoryStore) UnblockIP(_ context.Context, ip string) error {
	s.mu.Lock()
	delete(s.blocked, ip)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.counters[key]
	if !ok || s.now().After(entry.expiresAt) {
		entry = &counterEntry{expiresAt: s.now().Add(window)}
		s.counters[key] = entry
	}
	entry.count++
	return entry.count, nil
}

func (s *MemoryStore) GetCount(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.counters[key]
	if !ok || s.now().After(entry.expiresAt) {
		return 0, nil
	}
	return entry.count, nil
}

func (s *MemoryStore) PushEvent(_ context.Context, list string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := append([][]byte{payload}, s.lists[list]...)
	if len(items) > MaxEventListLength {
		items = items[:MaxEventListLength]
	}
	s.lists[list] = items
	return nil
}

func (s *MemoryStore) Events(_ context.Context, list string, n int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.lists[list]
	if int64(len(items)) > n {
		items = items[:n]
	}
	out := make([][]byte, len(items))
	copy(out, items)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
