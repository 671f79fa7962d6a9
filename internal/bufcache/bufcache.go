// Package bufcache implements the buffer cache (L1): a read-through cache
// of fixed-size blocks, with reference counting, dirty-pinning, and LRU
// eviction. There is no per-block lock: concurrent Gets of the same block
// share one *Buf, and callers coordinate access to its Data. The spec treats the buffer cache as an out-of-scope external
// collaborator (owned by the rest of a real kernel); xv6fs needs a concrete
// implementation of it to have anything to build the log and inode layers
// on top of, so this package provides one, in the structural idiom of the
// teacher's fixed-slot-arena caches (see DESIGN.md).
package bufcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/calvinalkan/xv6fs/internal/device"
	"github.com/calvinalkan/xv6fs/internal/super"
)

// key identifies a cached block by device and sector.
type key struct {
	dev    uint32
	sector uint32
}

// Buf is one cached block. Callers obtain a Buf via Cache.Get, read or
// modify Data while holding it, call MarkDirty if they changed it, and
// always call Release when done.
//
// A Buf's Data slice is only valid between Get and Release; do not retain
// it past Release.
type Buf struct {
	Dev    uint32
	Sector uint32
	Data   []byte

	cache *Cache
}

// MarkDirty pins b in the cache (it will not be evicted) and marks it for
// write-back. The log calls this from Write; nothing else should need to.
func (b *Buf) MarkDirty() {
	b.cache.mu.Lock()
	defer b.cache.mu.Unlock()

	e, ok := b.cache.byKey[key{dev: b.Dev, sector: b.Sector}]
	if !ok || e.buf != b {
		return
	}

	e.dirty = true
}

// Release returns b to the cache, making its slot eligible for reuse once
// its reference count drops to zero and it is not dirty.
func (b *Buf) Release() {
	b.cache.release(b)
}

// entry is the cache's bookkeeping for one occupied slot.
type entry struct {
	key   key
	buf   *Buf
	ref   int
	dirty bool
	elem  *list.Element // position in the LRU list; nil while ref > 0

	// ready is closed once the slot's first read (fill) has finished, or
	// failed. A concurrent Get for the same key sees the entry in byKey
	// before the fill completes and must wait on ready before touching
	// buf.Data or returning buf to its own caller; readFailed reports
	// whether the fill that closed ready succeeded.
	ready      chan struct{}
	readFailed bool
}

// Cache is a fixed-capacity, read-through buffer cache over a Device.
type Cache struct {
	dev      device.Device
	capacity int

	mu      sync.Mutex
	byKey   map[key]*entry
	lru     *list.List // list.Element.Value is *entry; front = most recently used
}

// New creates a buffer cache of the given capacity (in blocks) over dev.
func New(dev device.Device, capacity int) *Cache {
	if capacity <= 0 {
		capacity = super.NBuf
	}

	return &Cache{
		dev:      dev,
		capacity: capacity,
		byKey:    make(map[key]*entry, capacity),
		lru:      list.New(),
	}
}

// Get returns the buffer for (dev, sector), reading it from the underlying
// device on a cache miss. The returned Buf is pinned (not evictable) until
// Release is called.
func (c *Cache) Get(ctx context.Context, dev uint32, sector uint32) (*Buf, error) {
	c.mu.Lock()

	k := key{dev: dev, sector: sector}
	if e, ok := c.byKey[k]; ok {
		if e.elem != nil {
			c.lru.Remove(e.elem)
			e.elem = nil
		}

		e.ref++
		ready := e.ready
		c.mu.Unlock()

		// The entry is published (and pinned, via the ref bump above)
		// before its first read completes, so a second Get racing the
		// first must wait here rather than handing back a Buf whose Data
		// hasn't been filled in yet.
		<-ready

		if e.readFailed {
			c.release(e.buf)

			return nil, fmt.Errorf("bufcache: read (%d,%d): earlier fill for this slot failed", dev, sector)
		}

		return e.buf, nil
	}

	e, err := c.allocateLocked(k)
	if err != nil {
		c.mu.Unlock()

		return nil, err
	}

	c.mu.Unlock()

	// Read happens outside the cache lock: it may block on device I/O, and
	// no other caller can observe this slot's contents until ready closes
	// below, even though the slot itself is visible in byKey immediately.
	buf := make([]byte, super.BlockSize)

	err = c.dev.ReadSector(ctx, sector, buf)
	if err != nil {
		c.mu.Lock()
		delete(c.byKey, k)
		e.readFailed = true
		c.mu.Unlock()
		close(e.ready)

		return nil, fmt.Errorf("bufcache: read (%d,%d): %w", dev, sector, err)
	}

	c.mu.Lock()
	e.buf.Data = buf
	c.mu.Unlock()
	close(e.ready)

	return e.buf, nil
}

// allocateLocked reserves a slot for k, evicting a clean, unreferenced entry
// if the cache is at capacity. Callers must hold c.mu.
func (c *Cache) allocateLocked(k key) (*entry, error) {
	if len(c.byKey) >= c.capacity {
		victim := c.lru.Back()
		if victim == nil {
			return nil, fmt.Errorf("bufcache: no evictable slot (all %d buffers pinned or dirty)", c.capacity)
		}

		ve := victim.Value.(*entry)
		c.lru.Remove(victim)
		delete(c.byKey, ve.key)
	}

	buf := &Buf{Dev: k.dev, Sector: k.sector, cache: c}
	e := &entry{key: k, buf: buf, ref: 1, ready: make(chan struct{})}
	c.byKey[k] = e

	return e, nil
}

// release drops a reference to buf's slot. A dirty buffer stays pinned
// (never placed back on the LRU list) until the log clears its dirty bit
// after commit -- see Cache.ClearDirty, called from the log's installTrans.
func (c *Cache) release(buf *Buf) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byKey[key{dev: buf.Dev, sector: buf.Sector}]
	if !ok || e.buf != buf {
		return
	}

	e.ref--
	if e.ref > 0 {
		return
	}

	if e.dirty {
		// Stay pinned: a dirty, unreferenced buffer is still "in use" by
		// the log until commit writes it back and clears the bit.
		return
	}

	e.elem = c.lru.PushFront(e)
}

// Device returns the underlying device, so callers that need to force a
// specific buffer's contents to stable storage (the log's commit protocol)
// can do so without going through the cache's own (read-only) I/O path.
func (c *Cache) Device() device.Device {
	return c.dev
}

// ClearDirty clears the dirty bit for (dev, sector) and makes it evictable
// again if nothing else references it. Called by the log once a block's
// contents have been durably installed at their home location.
func (c *Cache) ClearDirty(dev, sector uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byKey[key{dev: dev, sector: sector}]
	if !ok {
		return
	}

	e.dirty = false

	if e.ref == 0 && e.elem == nil {
		e.elem = c.lru.PushFront(e)
	}
}
