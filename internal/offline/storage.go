package offline

import (
	"context"
	"net/http"
	"sort"
	"sync"
)

// Cache is one named cache generation. Per-key operations are atomic.
type Cache interface {
	Match(ctx context.Context, req *http.Request) (CacheEntry, bool, error)
	Put(ctx context.Context, req *http.Request, ent CacheEntry) error
	Delete(ctx context.Context, req *http.Request) (bool, error)
	// Keys returns request keys ("METHOD URL") in sorted order.
	Keys(ctx context.Context) ([]string, error)
}

// CacheStorage holds every cache generation by name.
type CacheStorage interface {
	// Open returns the named cache, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	// Lookup returns the named cache without creating it.
	Lookup(ctx context.Context, name string) (Cache, bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	// Keys returns cache names in creation order.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// MemoryStorage is a CacheStorage that lives only in process memory.
type MemoryStorage struct {
	mu     sync.Mutex
	seq    uint64
	caches map[string]*memoryCache
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: map[string]*memoryCache{}}
}

type memoryCache struct {
	created uint64

	mu      sync.RWMutex
	entries map[string]CacheEntry
}

func (s *MemoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	s.seq++
	c := &memoryCache{created: s.seq, entries: map[string]CacheEntry{}}
	s.caches[name] = c
	return c, nil
}

func (s *MemoryStorage) Lookup(ctx context.Context, name string) (Cache, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		return nil, false, nil
	}
	return c, true, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	delete(s.caches, name)
	return true, nil
}

func (s *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.caches))
	for name := range s.caches {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.caches[out[i]].created < s.caches[out[j]].created
	})
	return out, nil
}

func (s *MemoryStorage) Close() error { return nil }

func (c *memoryCache) Match(ctx context.Context, req *http.Request) (CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return CacheEntry{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ent, ok := c.entries[requestKey(req)]
	if !ok {
		return CacheEntry{}, false, nil
	}
	return ent.clone(), true, nil
}

func (c *memoryCache) Put(ctx context.Context, req *http.Request, ent CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[requestKey(req)] = ent.clone()
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, req *http.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := requestKey(req)
	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	delete(c.entries, key)
	return true, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
