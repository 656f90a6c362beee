package state

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/authgate/pkg/storage"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store for single-instance deployments and
// tests. Entries past their own TTL are treated as absent.
type MemoryStore struct {
	cache *lru.LRU[string, memoryEntry]
	mu    sync.Mutex
	now   func() time.Time
}

// NewMemoryStore creates a store bounded to size entries. maxTTL caps how
// long any entry may live regardless of the TTL it is stored with.
func NewMemoryStore(size int, maxTTL time.Duration) *MemoryStore {
	if size <= 0 {
		size = 10000
	}
	if maxTTL <= 0 {
		maxTTL = DefaultTTL
	}
	return &MemoryStore{
		cache: lru.NewLRU[string, memoryEntry](size, nil, maxTTL),
		now:   time.Now,
	}
}

// Put stores data under token, failing if a live entry already exists
func (s *MemoryStore) Put(ctx context.Context, token string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.cache.Peek(token); ok && now.Before(existing.expiresAt) {
		return storage.ErrConflict
	}
	s.cache.Add(token, memoryEntry{data: data, expiresAt: now.Add(ttl)})
	return nil
}

// Take reads and removes the entry for token
func (s *MemoryStore) Take(ctx context.Context, token string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache.Peek(token)
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.cache.Remove(token)

	if !s.now().Before(entry.expiresAt) {
		return nil, storage.ErrNotFound
	}
	return entry.data, nil
}

// Len returns the number of entries held, including expired ones not yet evicted
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}
