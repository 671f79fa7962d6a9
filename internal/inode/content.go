package inode

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/calvinalkan/xv6fs/internal/alloc"
	"github.com/calvinalkan/xv6fs/internal/super"
)

// ErrInvalidOffset is returned by Readi when off is past the current end of
// file, and by Readi/Writei when off+len overflows a uint32. Writei accepts
// an off past the end of file; the skipped range is left as a hole.
var ErrInvalidOffset = errors.New("inode: invalid offset")

// ErrFileTooLarge is returned by Writei when the write would grow a file
// past MaxFile blocks.
var ErrFileTooLarge = errors.New("inode: file too large")

// ErrNoDevice is returned by Readi/Writei on a T_DEV inode whose Major has
// no entry in the device switch table.
var ErrNoDevice = errors.New("inode: no device registered")

// Stat is the subset of inode metadata exposed to callers outside this
// package, mirroring the original's struct stat.
type Stat struct {
	Dev   uint32
	Inum  uint32
	Type  uint16
	NLink uint16
	Size  uint32
}

// Stati copies stat information out of ip. ip must be locked.
func Stati(ip *Inode) Stat {
	return Stat{Dev: ip.Dev, Inum: ip.Inum, Type: ip.Type, NLink: ip.NLink, Size: ip.Size}
}

// Bmap returns the disk block address of the bn'th block of ip's content,
// allocating one via alloc.Balloc if it doesn't exist yet (and, for an
// indirect-range bn, allocating the indirect block itself on first use).
// ip must be locked and the caller must hold an open log transaction.
func (c *Cache) Bmap(ctx context.Context, ip *Inode, bn uint32) (uint32, error) {
	if bn < super.NDirect {
		addr := ip.Addrs[bn]
		if addr == 0 {
			var err error

			addr, err = alloc.Balloc(ctx, c.log, c.bc, c.dev, c.layout)
			if err != nil {
				return 0, err
			}

			ip.Addrs[bn] = addr
		}

		return addr, nil
	}

	bn -= super.NDirect

	if bn >= super.NIndirect {
		fatalf("bmap: out of range")
	}

	indirect := ip.Addrs[super.NDirect]
	if indirect == 0 {
		var err error

		indirect, err = alloc.Balloc(ctx, c.log, c.bc, c.dev, c.layout)
		if err != nil {
			return 0, err
		}

		ip.Addrs[super.NDirect] = indirect
	}

	buf, err := c.bc.Get(ctx, c.dev, indirect)
	if err != nil {
		return 0, fmt.Errorf("inode: read indirect block %d: %w", indirect, err)
	}
	defer buf.Release()

	off := bn * 4
	addr := binary.LittleEndian.Uint32(buf.Data[off : off+4])

	if addr == 0 {
		addr, err = alloc.Balloc(ctx, c.log, c.bc, c.dev, c.layout)
		if err != nil {
			return 0, err
		}

		binary.LittleEndian.PutUint32(buf.Data[off:off+4], addr)
		c.log.Write(buf)
	}

	return addr, nil
}

// Itrunc discards ip's content: every direct block, every block reachable
// through the indirect block, and the indirect block itself are freed, and
// Size is reset to zero and persisted. Only valid to call on an inode with
// no directory entries and no other in-memory references.
func (c *Cache) Itrunc(ctx context.Context, ip *Inode) error {
	for i := 0; i < super.NDirect; i++ {
		if ip.Addrs[i] == 0 {
			continue
		}

		if err := alloc.Bfree(ctx, c.log, c.bc, c.dev, c.layout, ip.Addrs[i]); err != nil {
			return err
		}

		ip.Addrs[i] = 0
	}

	if ip.Addrs[super.NDirect] != 0 {
		buf, err := c.bc.Get(ctx, c.dev, ip.Addrs[super.NDirect])
		if err != nil {
			return fmt.Errorf("inode: read indirect block %d: %w", ip.Addrs[super.NDirect], err)
		}

		for j := 0; j < super.NIndirect; j++ {
			addr := binary.LittleEndian.Uint32(buf.Data[j*4 : j*4+4])
			if addr == 0 {
				continue
			}

			if err := alloc.Bfree(ctx, c.log, c.bc, c.dev, c.layout, addr); err != nil {
				buf.Release()

				return err
			}
		}

		buf.Release()

		if err := alloc.Bfree(ctx, c.log, c.bc, c.dev, c.layout, ip.Addrs[super.NDirect]); err != nil {
			return err
		}

		ip.Addrs[super.NDirect] = 0
	}

	ip.Size = 0

	return c.Iupdate(ctx, ip)
}

// Readi reads len(dst) bytes from ip starting at off, clamped to ip.Size,
// and returns the number of bytes read. A T_DEV inode dispatches through
// the device switch instead of the block content map.
func (c *Cache) Readi(ctx context.Context, ip *Inode, dst []byte, off uint32) (int, error) {
	if ip.Type == super.TypeDev {
		return c.devRead(ip, dst)
	}

	n := uint32(len(dst))

	if off > ip.Size || off+n < off {
		return 0, fmt.Errorf("inode: readi: offset %d out of range (size %d): %w", off, ip.Size, ErrInvalidOffset)
	}

	if off+n > ip.Size {
		n = ip.Size - off
	}

	var tot uint32

	for tot < n {
		addr, err := c.Bmap(ctx, ip, off/super.BlockSize)
		if err != nil {
			return int(tot), err
		}

		buf, err := c.bc.Get(ctx, c.dev, addr)
		if err != nil {
			return int(tot), fmt.Errorf("inode: readi: read block %d: %w", addr, err)
		}

		m := n - tot
		if rem := super.BlockSize - off%super.BlockSize; m > rem {
			m = rem
		}

		copy(dst[tot:tot+m], buf.Data[off%super.BlockSize:])
		buf.Release()

		tot += m
		off += m
	}

	return int(tot), nil
}

// Writei writes len(src) bytes to ip starting at off, growing ip.Size (and
// persisting it) if the write extends past the current end of file. It
// fails if the write would exceed MaxFile blocks. A T_DEV inode dispatches
// through the device switch. The caller must hold an open log transaction.
func (c *Cache) Writei(ctx context.Context, ip *Inode, src []byte, off uint32) (int, error) {
	if ip.Type == super.TypeDev {
		return c.devWrite(ip, src)
	}

	n := uint32(len(src))

	if off+n < off {
		return 0, fmt.Errorf("inode: writei: offset %d out of range (size %d): %w", off, ip.Size, ErrInvalidOffset)
	}

	if off+n > super.MaxFile*super.BlockSize {
		return 0, fmt.Errorf("inode: writei: write would exceed max file size: %w", ErrFileTooLarge)
	}

	var tot uint32

	for tot < n {
		addr, err := c.Bmap(ctx, ip, off/super.BlockSize)
		if err != nil {
			return int(tot), err
		}

		buf, err := c.bc.Get(ctx, c.dev, addr)
		if err != nil {
			return int(tot), fmt.Errorf("inode: writei: read block %d: %w", addr, err)
		}

		m := n - tot
		if rem := super.BlockSize - off%super.BlockSize; m > rem {
			m = rem
		}

		copy(buf.Data[off%super.BlockSize:], src[tot:tot+m])
		c.log.Write(buf)
		buf.Release()

		tot += m
		off += m
	}

	if n > 0 && off > ip.Size {
		ip.Size = off

		if err := c.Iupdate(ctx, ip); err != nil {
			return int(tot), err
		}
	}

	return int(tot), nil
}

func (c *Cache) devRead(ip *Inode, dst []byte) (int, error) {
	if int(ip.Major) >= len(c.devsw) || c.devsw[ip.Major] == nil {
		return 0, fmt.Errorf("inode: major %d: %w", ip.Major, ErrNoDevice)
	}

	return c.devsw[ip.Major].Read(dst)
}

func (c *Cache) devWrite(ip *Inode, src []byte) (int, error) {
	if int(ip.Major) >= len(c.devsw) || c.devsw[ip.Major] == nil {
		return 0, fmt.Errorf("inode: major %d: %w", ip.Major, ErrNoDevice)
	}

	return c.devsw[ip.Major].Write(src)
}
