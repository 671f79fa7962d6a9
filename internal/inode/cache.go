// Package inode implements the in-memory inode cache and content map (L4):
// a fixed NInode-slot table with reference counting and a per-inode
// BUSY/VALID state machine (internal/inode/cache.go, ported from
// pdos/xv6-comment's fs.c iget/idup/ilock/iunlock/iput), plus the block
// content map built on top of it (internal/inode/content.go: bmap, itrunc,
// readi, writei, stati).
//
// Every slot's identity, reference count, and state bits are guarded by one
// Cache-wide mutex, exactly as icache.lock guards all of icache.inode[] in
// the original -- there is deliberately no per-inode lock for this
// bookkeeping, only the BUSY bit (which blocks concurrent *content*
// access, not slot bookkeeping).
package inode

import (
	"context"
	"fmt"
	"sync"

	"github.com/calvinalkan/xv6fs/internal/bufcache"
	"github.com/calvinalkan/xv6fs/internal/super"
	"github.com/calvinalkan/xv6fs/internal/xlog"
)

// Inode is one in-memory inode cache slot. Dev/Inum/ref/busy/valid are
// bookkeeping guarded by the owning Cache's mutex; the dinode fields
// (Type..Addrs) are only meaningful -- and only safe to read or write --
// while the inode is locked (between Ilock and Iunlock/Iput).
type Inode struct {
	cache *Cache

	Dev  uint32
	Inum uint32

	ref   int
	busy  bool
	valid bool

	Type  uint16
	Major uint16
	Minor uint16
	NLink uint16
	Size  uint32
	Addrs [super.NDirect + 1]uint32
}

// Cache is the fixed-capacity in-memory inode table for one device.
type Cache struct {
	log    *xlog.Log
	bc     *bufcache.Cache
	devsw  *super.DevSwitch
	dev    uint32
	layout super.Layout

	mu    sync.Mutex
	cond  *sync.Cond
	slots [super.NInode]*Inode
}

// NewCache creates an inode cache of NInode empty slots over dev, backed by
// log for any write and bc for block I/O. devsw resolves T_DEV inodes for
// Readi/Writei.
func NewCache(log *xlog.Log, bc *bufcache.Cache, devsw *super.DevSwitch, dev uint32, layout super.Layout) *Cache {
	c := &Cache{log: log, bc: bc, devsw: devsw, dev: dev, layout: layout}
	c.cond = sync.NewCond(&c.mu)

	for i := range c.slots {
		c.slots[i] = &Inode{cache: c}
	}

	return c
}

// Iget finds or creates a cache slot for (c.dev, inum) and bumps its
// reference count. It does not lock the inode or read it from disk --
// pair it with Ilock before touching any dinode field.
func (c *Cache) Iget(inum uint32) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()

	var empty *Inode

	for _, ip := range c.slots {
		if ip.ref > 0 && ip.Dev == c.dev && ip.Inum == inum {
			ip.ref++

			return ip
		}

		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}

	if empty == nil {
		fatalf("iget: no inodes")
	}

	empty.Dev = c.dev
	empty.Inum = inum
	empty.ref = 1
	empty.busy = false
	empty.valid = false

	return empty
}

// Idup increments ip's reference count, returning ip so callers can write
// `ip = cache.Idup(other)`.
func (c *Cache) Idup(ip *Inode) *Inode {
	c.mu.Lock()
	ip.ref++
	c.mu.Unlock()

	return ip
}

// watchCancel wakes every waiter on c.cond once ctx is canceled, so a
// blocked Ilock can notice promptly instead of waiting for an unrelated
// Iunlock. Mirrors internal/xlog's identically-named helper.
func (c *Cache) watchCancel(ctx context.Context) func() {
	stop := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-stop:
		}
	}()

	return func() { close(stop) }
}

// Ilock locks ip, blocking while another caller holds it, and reads its
// dinode from disk if this is the first lock since Iget. ip must already
// carry a reference (from Iget/Idup); locking an unreferenced inode is a
// fatal invariant violation, matching the original's `panic("ilock")`.
func (c *Cache) Ilock(ctx context.Context, ip *Inode) error {
	if ip == nil || ip.ref < 1 {
		fatalf("ilock")
	}

	c.mu.Lock()

	done := c.watchCancel(ctx)

	for ip.busy {
		if ctx.Err() != nil {
			done()
			c.mu.Unlock()

			return ctx.Err()
		}

		c.cond.Wait()
	}

	done()

	ip.busy = true

	c.mu.Unlock()

	if ip.valid {
		return nil
	}

	blk := c.layout.IBlock(ip.Inum)

	buf, err := c.bc.Get(ctx, c.dev, blk)
	if err != nil {
		return fmt.Errorf("inode: read inode block %d: %w", blk, err)
	}

	d, err := super.GetDinode(buf.Data, ip.Inum)
	buf.Release()

	if err != nil {
		return fmt.Errorf("inode: decode dinode %d: %w", ip.Inum, err)
	}

	ip.Type = d.Type
	ip.Major = d.Major
	ip.Minor = d.Minor
	ip.NLink = d.NLink
	ip.Size = d.Size
	ip.Addrs = d.Addrs

	c.mu.Lock()
	ip.valid = true
	c.mu.Unlock()

	if ip.Type == super.TypeFree {
		fatalf("ilock: no type")
	}

	return nil
}

// Iunlock unlocks ip and wakes any goroutine blocked in Ilock on it.
// Unlocking an inode that is not locked, or not referenced, is fatal.
func (c *Cache) Iunlock(ip *Inode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ip == nil || !ip.busy || ip.ref < 1 {
		fatalf("iunlock")
	}

	ip.busy = false
	c.cond.Broadcast()
}

// Iput drops a reference to ip. If that was the last reference and the
// inode has no remaining links, it truncates and frees the inode on disk.
// Callers must have an open log transaction, since this can call Itrunc
// and Iupdate.
func (c *Cache) Iput(ctx context.Context, ip *Inode) error {
	c.mu.Lock()

	if ip.ref == 1 && ip.valid && ip.NLink == 0 {
		if ip.busy {
			c.mu.Unlock()
			fatalf("iput busy")
		}

		ip.busy = true
		c.mu.Unlock()

		if err := c.Itrunc(ctx, ip); err != nil {
			return fmt.Errorf("inode: iput: truncate: %w", err)
		}

		ip.Type = super.TypeFree

		if err := c.Iupdate(ctx, ip); err != nil {
			return fmt.Errorf("inode: iput: update: %w", err)
		}

		c.mu.Lock()
		ip.busy = false
		ip.valid = false
		c.cond.Broadcast()
	}

	ip.ref--
	c.mu.Unlock()

	return nil
}

// Iunlockput is the common idiom: unlock, then put.
func (c *Cache) Iunlockput(ctx context.Context, ip *Inode) error {
	c.Iunlock(ip)

	return c.Iput(ctx, ip)
}
