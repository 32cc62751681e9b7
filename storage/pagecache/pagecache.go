// Package pagecache implements a bounded, pinned page buffer pool: a
// fixed-capacity map of block id to decoded page, pin counts that
// block eviction, a dirty set the checkpoint coordinator flushes, and
// a CacheFull hard error once capacity is exhausted and no cached
// page can be evicted (every frame is pinned or dirty). It serves copy-on-write pages: a given block
// id's buffer is replaced wholesale on write, never mutated under a
// shared pin.
package pagecache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/gabrielelanaro/wrongo/storage/block"
	"github.com/gabrielelanaro/wrongo/storage/errs"
	"github.com/gabrielelanaro/wrongo/storage/lockstats"
	"github.com/gabrielelanaro/wrongo/storage/page"
)

// Loader fetches a page's raw bytes from durable storage on a cache
// miss. storage/btree supplies this as a thin wrapper over
// block.File.ReadBlock + page.Load.
type Loader func(id block.ID) (*page.Page, error)

type frame struct {
	pg        *page.Page
	pinShared int
	pinExcl   bool
	elem      *list.Element // position in the LRU list; nil while pinned
}

// Cache is a bounded pool of decoded pages, keyed by block id.
type Cache struct {
	mu       sync.Mutex
	capacity int
	frames   map[block.ID]*frame
	lru      *list.List // front = most recently used
	load     Loader
	stats    *lockstats.Registry
}

// New creates a cache with room for capacity pages.
func New(capacity int, load Loader, stats *lockstats.Registry) *Cache {
	if stats == nil {
		stats = lockstats.NewRegistry()
	}
	return &Cache{
		capacity: capacity,
		frames:   make(map[block.ID]*frame),
		lru:      list.New(),
		load:     load,
		stats:    stats,
	}
}

// PinShared acquires a shared (read) pin on id's page, loading it
// from storage on a miss. The returned page must not be mutated by
// the caller; copy-on-write callers clone before modifying.
func (c *Cache) PinShared(id block.ID) (*page.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.frames[id]
	if ok {
		c.detachLocked(f)
		f.pinShared++
		return f.pg, nil
	}
	return c.loadAndPinLocked(id, false)
}

// PinExclusive acquires an exclusive pin on id's page, loading it on a
// miss, for a caller that mutates the cached page in place (the B+tree's
// footer stamp). It returns an error, without waiting, if the page
// already holds any pin. The copy-on-write path does not use it: new
// pages are staged with Insert.
func (c *Cache) PinExclusive(id block.ID) (*page.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.frames[id]
	if ok {
		if f.pinShared > 0 || f.pinExcl {
			return nil, errs.New(errs.Storage, "pagecache.PinExclusive", fmt.Errorf("block %d already pinned", id))
		}
		c.detachLocked(f)
		f.pinExcl = true
		return f.pg, nil
	}
	return c.loadAndPinLocked(id, true)
}

func (c *Cache) loadAndPinLocked(id block.ID, exclusive bool) (*page.Page, error) {
	if len(c.frames) >= c.capacity {
		if !c.evictOneLocked() {
			return nil, errs.New(errs.Storage, "pagecache.load", errs.ErrCacheFull)
		}
	}
	pg, err := c.load(id)
	if err != nil {
		return nil, err
	}
	// A page arriving from the loader came off durable storage and is
	// clean by definition; only Insert/MarkDirty produce dirty frames.
	pg.SetDirty(false)
	f := &frame{pg: pg}
	if exclusive {
		f.pinExcl = true
	} else {
		f.pinShared = 1
	}
	c.frames[id] = f
	return pg, nil
}

// Insert places a freshly created page (e.g. a new leaf from a split,
// or a CoW clone) directly into the cache under an exclusive pin,
// without going through the loader. An unpinned frame already cached
// under the same block id is replaced: it can only be the stale
// content of a recycled id whose previous page was retired, freed,
// and handed back out by the allocator.
func (c *Cache) Insert(pg *page.Page) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.frames[pg.ID()]; ok {
		if old.pinShared > 0 || old.pinExcl {
			return errs.New(errs.Storage, "pagecache.Insert", fmt.Errorf("block %d already cached and pinned", pg.ID()))
		}
		c.detachLocked(old)
		delete(c.frames, pg.ID())
	} else if len(c.frames) >= c.capacity {
		if !c.evictOneLocked() {
			return errs.New(errs.Storage, "pagecache.Insert", errs.ErrCacheFull)
		}
	}
	c.frames[pg.ID()] = &frame{pg: pg, pinExcl: true}
	return nil
}

// Unpin releases one reference. exclusive must match how the page was
// pinned.
func (c *Cache) Unpin(id block.ID, exclusive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.frames[id]
	if !ok {
		return
	}
	if exclusive {
		f.pinExcl = false
	} else if f.pinShared > 0 {
		f.pinShared--
	}
	if f.pinShared == 0 && !f.pinExcl && f.elem == nil {
		f.elem = c.lru.PushFront(id)
	}
}

// MarkDirty flags a cached page as needing to be flushed at the next
// checkpoint. The page must currently be pinned by the caller.
func (c *Cache) MarkDirty(id block.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.frames[id]; ok {
		f.pg.SetDirty(true)
	}
}

// DirtyPages returns every currently cached page with its dirty bit
// set, for the checkpoint coordinator's flush phase. A page held
// under an exclusive pin is never returned: its writer is still
// mutating it, and the coordinator's drain handles the window. Pages
// remain in the cache; callers clear dirty bits via ClearDirty after
// a successful flush.
func (c *Cache) DirtyPages() []*page.Page {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*page.Page
	for _, f := range c.frames {
		if f.pinExcl {
			continue
		}
		if f.pg.IsDirty() {
			out = append(out, f.pg)
		}
	}
	return out
}

// ClearDirty unmarks a page after its bytes have been durably
// written.
func (c *Cache) ClearDirty(id block.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.frames[id]; ok {
		f.pg.SetDirty(false)
	}
}

// Evict drops a specific unpinned page from the cache, e.g. because
// copy-on-write retired its block id. No-op if the page is pinned or
// absent.
func (c *Cache) Evict(id block.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.frames[id]
	if !ok || f.pinShared > 0 || f.pinExcl {
		return
	}
	if f.elem != nil {
		c.lru.Remove(f.elem)
	}
	delete(c.frames, id)
}

// detachLocked removes a frame from the LRU list while it is pinned.
// Pinned frames have no LRU membership; Unpin re-attaches them once
// the last pin drops.
func (c *Cache) detachLocked(f *frame) {
	if f.elem != nil {
		c.lru.Remove(f.elem)
		f.elem = nil
	}
}

// evictOneLocked drops the least-recently-used clean, unpinned page
// to make room for a new one. Dirty pages are skipped: they are the
// next checkpoint's flush set and may only leave the cache clean or
// via an explicit Evict of a superseded block. Returns false if
// nothing is evictable: the caller surfaces errs.ErrCacheFull.
func (c *Cache) evictOneLocked() bool {
	for e := c.lru.Back(); e != nil; {
		prev := e.Prev()
		id := e.Value.(block.ID)
		if f, ok := c.frames[id]; ok && !f.pg.IsDirty() && f.pinShared == 0 && !f.pinExcl {
			c.lru.Remove(e)
			delete(c.frames, id)
			return true
		}
		e = prev
	}
	return false
}

// HasExclusivePins reports whether any cached page is currently held
// under an exclusive pin, for the checkpoint coordinator's prepare
// drain.
func (c *Cache) HasExclusivePins() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if f.pinExcl {
			return true
		}
	}
	return false
}

// Len reports the number of pages currently resident, for tests and
// diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}
