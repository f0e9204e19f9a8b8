package hostcap

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cacheEntry struct {
	value     any
	tags      map[string]bool
	expiresAt time.Time // zero value = never expires
}

func (e *cacheEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// TagCache is an in-memory cache with named partitions and tag-based
// invalidation. It outlives requests, so unlike per-request state it is
// host-owned and locked.
type TagCache struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*cacheEntry
	sf         singleflight.Group
}

func NewTagCache() *TagCache {
	return &TagCache{partitions: make(map[string]map[string]*cacheEntry)}
}

// Get retrieves a value from a partition.
func (c *TagCache) Get(partition, key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.partitions[partition][key]
	c.mu.RUnlock()
	if !ok || entry.expired() {
		return nil, false
	}
	return entry.value, true
}

// Set stores a value with tags. A zero ttl never expires.
func (c *TagCache) Set(partition, key string, value any, tags []string, ttl time.Duration) {
	entry := &cacheEntry{value: value, tags: make(map[string]bool, len(tags))}
	for _, tag := range tags {
		entry.tags[tag] = true
	}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	part, ok := c.partitions[partition]
	if !ok {
		part = make(map[string]*cacheEntry)
		c.partitions[partition] = part
	}
	part[key] = entry
	c.mu.Unlock()
}

// InvalidateTag removes every entry in the partition carrying the tag and
// reports how many were dropped.
func (c *TagCache) InvalidateTag(partition, tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	part := c.partitions[partition]
	n := 0
	for key, entry := range part {
		if entry.tags[tag] {
			delete(part, key)
			n++
		}
	}
	return n
}

// GetOrFill returns the cached value or computes it with fn. Concurrent
// misses for the same partition and key run fn once (singleflight).
func (c *TagCache) GetOrFill(ctx context.Context, partition, key string, ttl time.Duration, fn func(ctx context.Context) (any, []string, error)) (any, error) {
	if v, ok := c.Get(partition, key); ok {
		return v, nil
	}

	v, err, _ := c.sf.Do(partition+"\x00"+key, func() (any, error) {
		if v, ok := c.Get(partition, key); ok {
			return v, nil
		}
		value, tags, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(partition, key, value, tags, ttl)
		return value, nil
	})
	return v, err
}

// CacheFuncs exposes a TagCache as host functions.
type CacheFuncs struct {
	cache *TagCache
}

func NewCacheFuncs(cache *TagCache) *CacheFuncs {
	return &CacheFuncs{cache: cache}
}

func cacheArgs(args map[string]any) (partition, key string, err error) {
	partition, ok := args["partition"].(string)
	if !ok || partition == "" {
		return "", "", errors.New("partition required")
	}
	key, _ = args["key"].(string)
	return partition, key, nil
}

// Get handles cache_get. A miss is data nil, not an error.
func (f *CacheFuncs) Get(_ context.Context, args map[string]any) (any, error) {
	partition, key, err := cacheArgs(args)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errors.New("key required")
	}
	value, ok := f.cache.Get(partition, key)
	if !ok {
		return nil, nil
	}
	return value, nil
}

// Set handles cache_set with optional tags and ttl_seconds.
func (f *CacheFuncs) Set(_ context.Context, args map[string]any) (any, error) {
	partition, key, err := cacheArgs(args)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errors.New("key required")
	}
	value, present := args["value"]
	if !present {
		return nil, errors.New("value required")
	}

	var tags []string
	if raw, ok := args["tags"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	var ttl time.Duration
	if secs, ok := args["ttl_seconds"].(float64); ok && secs > 0 {
		ttl = time.Duration(secs * float64(time.Second))
	}

	f.cache.Set(partition, key, value, tags, ttl)
	return "ok", nil
}

// Invalidate handles cache_invalidate by tag.
func (f *CacheFuncs) Invalidate(_ context.Context, args map[string]any) (any, error) {
	partition, _, err := cacheArgs(args)
	if err != nil {
		return nil, err
	}
	tag, ok := args["tag"].(string)
	if !ok || tag == "" {
		return nil, errors.New("tag required")
	}
	return f.cache.InvalidateTag(partition, tag), nil
}
