// Package cachetest provides an in-memory cache.Cache for tests of packages
// that sit above Redis.
package cachetest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robokit/robokit/internal/cache"
)

// Memory is an in-process cache.Cache with the same expiry and counter
// semantics as the Redis cache, for tests above the cache layer.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *Memory) Ping(ctx context.Context) error { return nil }

func (c *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *Memory) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *Memory) SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error {
	return c.Set(ctx, cache.JobStatusKey(jobID), []byte(status), ttl)
}

func (c *Memory) GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	b, ok, err := c.Get(ctx, cache.JobStatusKey(jobID))
	return string(b), ok, err
}

// IncrWithExpiry keeps the counter as a decimal string, as Redis does.
func (c *Memory) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	if e, ok := c.entries[key]; ok && (e.expires.IsZero() || !c.now().After(e.expires)) {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not an integer", key)
		}
		n = v
	}
	n++
	e := memoryEntry{value: []byte(strconv.FormatInt(n, 10))}
	if expiry > 0 {
		e.expires = c.now().Add(expiry)
	}
	c.entries[key] = e
	return n, nil
}

var _ cache.Cache = (*Memory)(nil)
