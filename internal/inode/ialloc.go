package inode

import (
	"context"
	"fmt"

	"github.com/calvinalkan/xv6fs/internal/super"
)

// Ialloc scans the inode region for a free (Type == TypeFree) dinode,
// marks it allocated with the given type, and returns a cache slot for it
// via Iget. The caller must hold an open log transaction. Running out of
// free inodes is a fatal invariant violation (it means the image's inode
// region is exhausted), matching the original's `panic("ialloc: no
// inodes")`.
func (c *Cache) Ialloc(ctx context.Context, typ uint16) (*Inode, error) {
	for inum := uint32(1); inum < c.layout.NInodes; inum++ {
		blk := c.layout.IBlock(inum)

		buf, err := c.bc.Get(ctx, c.dev, blk)
		if err != nil {
			return nil, fmt.Errorf("inode: ialloc: read inode block %d: %w", blk, err)
		}

		d, err := super.GetDinode(buf.Data, inum)
		if err != nil {
			buf.Release()

			return nil, fmt.Errorf("inode: ialloc: decode dinode %d: %w", inum, err)
		}

		if d.Type != super.TypeFree {
			buf.Release()

			continue
		}

		super.PutDinode(buf.Data, inum, super.Dinode{Type: typ})
		c.log.Write(buf)
		buf.Release()

		return c.Iget(inum), nil
	}

	fatalf("ialloc: no inodes")

	return nil, nil
}

// Iupdate copies ip's in-memory dinode fields to its on-disk location. ip
// must be locked.
func (c *Cache) Iupdate(ctx context.Context, ip *Inode) error {
	blk := c.layout.IBlock(ip.Inum)

	buf, err := c.bc.Get(ctx, c.dev, blk)
	if err != nil {
		return fmt.Errorf("inode: iupdate: read inode block %d: %w", blk, err)
	}
	defer buf.Release()

	d := super.Dinode{
		Type:  ip.Type,
		Major: ip.Major,
		Minor: ip.Minor,
		NLink: ip.NLink,
		Size:  ip.Size,
		Addrs: ip.Addrs,
	}

	super.PutDinode(buf.Data, ip.Inum, d)
	c.log.Write(buf)

	return nil
}
