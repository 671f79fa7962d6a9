// Package xv6fs is a layered, crash-safe, concurrent on-disk filesystem in
// the style of xv6's fs.c/log.c: a write-ahead physical redo log with group
// commit, a reference-counted inode cache, a bitmap block allocator, and a
// directory/pathname-resolution layer built on top, composed without
// deadlock (at most one inode locked at a time per path-walking goroutine).
//
// FileSystem is the mount point: Open recovers any committed-but-
// uninstalled transaction left over from a previous run, exactly as the
// original kernel's initlog() does before any system call runs. All
// mutation goes through a Txn, obtained from Begin, mirroring the
// distilled spec's begin_op/end_op pairing and grounded on the teacher's
// internal/store.Store/Tx split (internal/store/store.go, tx.go).
package xv6fs

import (
	"context"
	"fmt"

	"github.com/calvinalkan/xv6fs/internal/bufcache"
	"github.com/calvinalkan/xv6fs/internal/device"
	"github.com/calvinalkan/xv6fs/internal/inode"
	"github.com/calvinalkan/xv6fs/internal/super"
	"github.com/calvinalkan/xv6fs/internal/xlog"
)

// Inode is a cached, reference-counted inode. Its exported fields (Type,
// NLink, Size, ...) are only safe to read while locked via Txn.Ilock.
type Inode = inode.Inode

// Stat is the subset of inode metadata exposed by Txn.Stati.
type Stat = inode.Stat

// FileSystem is a mounted xv6fs image: the device, its buffer cache, its
// write-ahead log, and the inode cache built on top of them. Dev is fixed
// at super.RootDev -- the spec is explicitly single-device, matching the
// original kernel's single-root-device assumption.
type FileSystem struct {
	dev    device.Device
	bc     *bufcache.Cache
	log    *xlog.Log
	ic     *inode.Cache
	layout super.Layout
}

// Open mounts an xv6fs image already formatted on dev (see cmd/mkfs):
// it reads the superblock, builds the buffer cache, and opens the
// write-ahead log, which recovers any pending transaction before Open
// returns. devsw registers device-major handlers for T_DEV inodes; pass
// nil to leave every major unregistered.
func Open(ctx context.Context, dev device.Device, devsw *super.DevSwitch) (*FileSystem, error) {
	if ctx == nil {
		return nil, fmt.Errorf("xv6fs: open: context is nil")
	}

	if dev == nil {
		return nil, fmt.Errorf("xv6fs: open: device is nil")
	}

	if devsw == nil {
		devsw = &super.DevSwitch{}
	}

	bc := bufcache.New(dev, int(super.NBuf))

	sbBuf, err := bc.Get(ctx, super.RootDev, 1)
	if err != nil {
		return nil, fmt.Errorf("xv6fs: open: read superblock: %w", err)
	}

	sb, err := super.UnmarshalSuperblock(sbBuf.Data)
	sbBuf.Release()

	if err != nil {
		return nil, fmt.Errorf("xv6fs: open: decode superblock: %w", err)
	}

	layout := super.NewLayout(sb)

	log, err := xlog.Open(ctx, bc, super.RootDev, layout)
	if err != nil {
		return nil, fmt.Errorf("xv6fs: open: %w", err)
	}

	ic := inode.NewCache(log, bc, devsw, super.RootDev, layout)

	return &FileSystem{dev: dev, bc: bc, log: log, ic: ic, layout: layout}, nil
}

// Close releases the underlying device handle. It does not sync; callers
// that want a guaranteed-durable shutdown should ensure every Txn has been
// committed first (EndOp already syncs per the commit protocol).
func (fs *FileSystem) Close() error {
	return fs.dev.Close()
}

// Layout returns the image's region boundaries, useful for tools (cmd/fsck)
// that need to walk the bitmap or inode table directly.
func (fs *FileSystem) Layout() super.Layout {
	return fs.layout
}

// RootInode returns an Iget'd reference to the root directory inode
// (super.RootIno). Callers must Iput it when done.
func (fs *FileSystem) RootInode() *Inode {
	return fs.ic.Iget(super.RootIno)
}

// Begin starts a transaction: one begin_op/end_op grouping in the
// original's terms. The returned Txn must be closed with Commit (Rollback
// always fails -- see ErrRollbackUnsupported).
func (fs *FileSystem) Begin(ctx context.Context) (*Txn, error) {
	if err := fs.log.BeginOp(ctx); err != nil {
		return nil, fmt.Errorf("xv6fs: begin: %w", err)
	}

	return &Txn{fs: fs}, nil
}
