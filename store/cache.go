package store

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// RecordCache provides an abstraction for caching point reads.
// This allows swapping between in-memory, Redis, or other caching implementations.
type RecordCache interface {
	// Get returns a cached record, or nil on a miss
	Get(id int64) *Record

	// Set stores a record
	Set(rec *Record)

	// Invalidate drops one record, forcing a read on next Get
	Invalidate(id int64)

	// Len reports the number of cached records
	Len() int
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// Size is the maximum number of records held; 0 disables caching
	Size int

	// TTL is the time-to-live for cached entries.
	// Set to 0 for no expiration (invalidation on mutation only).
	TTL time.Duration
}

// DefaultCacheConfig returns the defaults used when none are configured
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Size: 1024,
		TTL:  0,
	}
}

// lruCache is the only contract both golang-lru flavours share that we need
type lruCache interface {
	Get(key int64) (*Record, bool)
	Add(key int64, value *Record) bool
	Remove(key int64) bool
	Len() int
}

// LRURecordCache is a bounded RecordCache backed by hashicorp/golang-lru.
// Thread-safe for concurrent access.
type LRURecordCache struct {
	cache lruCache
}

// NewLRURecordCache creates a cache holding at most config.Size records
func NewLRURecordCache(config CacheConfig) (*LRURecordCache, error) {
	if config.TTL > 0 {
		return &LRURecordCache{cache: expirable.NewLRU[int64, *Record](config.Size, nil, config.TTL)}, nil
	}

	c, err := lru.New[int64, *Record](config.Size)
	if err != nil {
		return nil, err
	}
	return &LRURecordCache{cache: c}, nil
}

// Get returns a copy of the cached record
func (c *LRURecordCache) Get(id int64) *Record {
	rec, ok := c.cache.Get(id)
	if !ok {
		return nil
	}
	return rec.Clone()
}

// Set stores a copy to prevent external modifications
func (c *LRURecordCache) Set(rec *Record) {
	c.cache.Add(rec.ID, rec.Clone())
}

// Invalidate drops the entry for id
func (c *LRURecordCache) Invalidate(id int64) {
	c.cache.Remove(id)
}

// Len reports the number of cached records
func (c *LRURecordCache) Len() int {
	return c.cache.Len()
}
