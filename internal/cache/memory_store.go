package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// NewMemoryStorage 返回进程内存储，命名空间保存在 go-cache 表中且永不过期。
func NewMemoryStorage() Storage {
	return &memoryStorage{
		spaces: gocache.New(gocache.NoExpiration, 0),
	}
}

type memoryStorage struct {
	// mu 串行化 Open 的 "查找或创建"，go-cache 自身只保证单次操作的并发安全。
	mu     sync.Mutex
	spaces *gocache.Cache
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := s.spaces.Items()
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := s.spaces.Get(name)
	return ok, nil
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.spaces.Get(name); ok {
		return existing.(*memoryCache), nil
	}
	c := &memoryCache{entries: make(map[string]memoryEntry)}
	s.spaces.Set(name, c, gocache.NoExpiration)
	return c, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces.Get(name); !ok {
		return false, nil
	}
	s.spaces.Delete(name)
	return true, nil
}

type memoryEntry struct {
	resp *Response
	seq  uint64
}

type memoryCache struct {
	mu      sync.RWMutex
	seq     uint64
	entries map[string]memoryEntry
}

func (c *memoryCache) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.resp.Clone(), nil
}

func (c *memoryCache) Put(ctx context.Context, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := resp.Clone()
	stored.StoredAt = time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.entries[key] = memoryEntry{resp: stored, seq: c.seq}
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
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
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].seq < c.entries[keys[j]].seq
	})
	return keys, nil
}
