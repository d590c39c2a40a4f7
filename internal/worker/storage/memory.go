package storage

import (
	"context"
	"sync"
	"time"
)

type memoryStorage struct {
	mu          sync.RWMutex
	generations map[string]*memoryCache
	closed      bool
}

type memoryCache struct {
	name string

	mu      sync.RWMutex
	entries map[string]Entry
	deleted bool
}

// NewMemory returns an in-process CacheStorage.
func NewMemory() CacheStorage {
	return &memoryStorage{generations: make(map[string]*memoryCache)}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if c, ok := s.generations[name]; ok {
		return c, nil
	}
	c := &memoryCache{name: name, entries: make(map[string]Entry)}
	s.generations[name] = c
	return c, nil
}

func (s *memoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.generations[name]
	return ok, nil
}

func (s *memoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedKeys(s.generations), nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	c, ok := s.generations[name]
	if !ok {
		return false, nil
	}
	delete(s.generations, name)
	c.mu.Lock()
	c.deleted = true
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
	return true, nil
}

func (s *memoryStorage) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(_ context.Context, key string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return CloneEntry(entry), true, nil
}

func (c *memoryCache) Put(_ context.Context, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return ErrDeleted
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	c.entries[key] = CloneEntry(entry)
	return nil
}

func (c *memoryCache) Keys(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.entries), nil
}

func (c *memoryCache) Size(_ context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.entries)), nil
}
