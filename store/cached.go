package store

import (
	"context"
	"sync"

	"github.com/liamcoop/predictions/schema"
)

// Cached wraps a Store with a read-through RecordCache for Get.
// Update and Delete invalidate on both sides of the write; List and Count always hit the store.
type Cached struct {
	Store
	cache RecordCache

	mu    sync.Mutex
	fills map[int64]*fill
}

// fill tracks the Gets for one id that are between a cache miss and cache.Set.
// Invalidate bumps gen, so a fill that read the row before a write cannot cache it.
type fill struct {
	gen  uint64
	refs int
}

// NewCached wraps next. A nil cache returns next unchanged.
func NewCached(next Store, cache RecordCache) Store {
	if cache == nil {
		return next
	}
	return &Cached{Store: next, cache: cache, fills: make(map[int64]*fill)}
}

// Get serves from the cache, falling back to the wrapped store
func (c *Cached) Get(ctx context.Context, id int64) (*Record, error) {
	if rec := c.cache.Get(id); rec != nil {
		return rec, nil
	}

	f, gen := c.beginFill(id)
	rec, err := c.Store.Get(ctx, id)
	c.endFill(id, f, gen, rec, err)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update invalidates the entry before and after the write. The new row is cached
// by the next Get rather than here, since a later write may already have landed.
func (c *Cached) Update(ctx context.Context, id int64, changes schema.Values, derive DeriveFunc) (*Record, error) {
	c.invalidate(id)
	rec, err := c.Store.Update(ctx, id, changes, derive)
	c.invalidate(id)
	return rec, err
}

// Delete invalidates the entry on both sides of the delete
func (c *Cached) Delete(ctx context.Context, id int64) error {
	c.invalidate(id)
	err := c.Store.Delete(ctx, id)
	c.invalidate(id)
	return err
}

func (c *Cached) beginFill(id int64) (*fill, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.fills[id]
	if f == nil {
		f = &fill{}
		c.fills[id] = f
	}
	f.refs++
	return f, f.gen
}

func (c *Cached) endFill(id int64, f *fill, gen uint64, rec *Record, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil && f.gen == gen {
		c.cache.Set(rec)
	}
	f.refs--
	if f.refs == 0 {
		delete(c.fills, id)
	}
}

func (c *Cached) invalidate(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f := c.fills[id]; f != nil {
		f.gen++
	}
	c.cache.Invalidate(id)
}
