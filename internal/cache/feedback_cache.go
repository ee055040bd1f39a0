package cache

import (
	"context"
	"sync"
	"sync/atomic"
)

// FeedbackCache maps a frame fingerprint to previously computed feedback text.
// Entries are never evicted; the cache lives for the whole session.
type FeedbackCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, feedback string) error
	Len(ctx context.Context) (int, error)
}

// MemoryCache is the process-local FeedbackCache
type MemoryCache struct {
	entries sync.Map // fingerprint -> feedback
	size    atomic.Int64
}

// NewMemoryCache creates an empty in-process cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := c.entries.Load(key)
	if !ok {
		return "", false, nil
	}
	feedback, valid := v.(string)
	return feedback, valid, nil
}

func (c *MemoryCache) Set(_ context.Context, key, feedback string) error {
	if _, loaded := c.entries.Swap(key, feedback); !loaded {
		c.size.Add(1)
	}
	return nil
}

func (c *MemoryCache) Len(_ context.Context) (int, error) {
	return int(c.size.Load()), nil
}
