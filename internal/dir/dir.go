// Package dir implements the directory layer (L5): a directory's content
// is just its inode's byte stream, read and written through
// internal/inode, interpreted as a flat array of fixed-size
// super.Dirent records. Ported from pdos/xv6-comment's fs.c
// namecmp/dirlookup/dirlink.
package dir

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/calvinalkan/xv6fs/internal/inode"
	"github.com/calvinalkan/xv6fs/internal/super"
)

// ErrExist is returned by Dirlink when name is already present in the
// directory.
var ErrExist = errors.New("dir: entry already exists")

// Namecmp reports whether a and b are the same directory-entry name under
// the original's strncmp(s, t, DIRSIZ) rule: both are compared as their
// fixed DIRSIZ-byte encodings (see super.Dirent.SetName), so two names that
// agree on their first DIRSIZ bytes are equal even if one keeps going past
// that window.
func Namecmp(a, b string) int {
	var da, db super.Dirent

	da.SetName(a)
	db.SetName(b)

	return bytes.Compare(da.Name[:], db.Name[:])
}

// Dirlookup scans directory inode dp's entries for name. dp must be
// locked and must be a directory -- calling this on anything else is a
// fatal invariant violation, matching the original's `panic("dirlookup
// not DIR")`. On a match it returns an Iget'd (not locked) reference to
// the target inode, and the byte offset of the matching entry within dp.
func Dirlookup(ctx context.Context, ic *inode.Cache, dp *inode.Inode, name string) (*inode.Inode, int64, bool, error) {
	if dp.Type != super.TypeDir {
		fatalf("dirlookup not DIR")
	}

	buf := make([]byte, super.DirentSize)

	for off := uint32(0); off < dp.Size; off += uint32(super.DirentSize) {
		n, err := ic.Readi(ctx, dp, buf, off)
		if err != nil {
			return nil, 0, false, fmt.Errorf("dir: dirlookup: readi at %d: %w", off, err)
		}

		if n != super.DirentSize {
			fatalf("dirlink read")
		}

		de, err := super.UnmarshalDirent(buf)
		if err != nil {
			return nil, 0, false, fmt.Errorf("dir: dirlookup: decode dirent at %d: %w", off, err)
		}

		if de.Inum == 0 {
			continue
		}

		if Namecmp(name, de.NameString()) == 0 {
			return ic.Iget(uint32(de.Inum)), int64(off), true, nil
		}
	}

	return nil, 0, false, nil
}

// Dirlink writes a new (name, inum) entry into directory dp, reusing the
// first free slot if one exists or appending past the current end
// otherwise. It rejects a name that already exists. dp must be locked and
// the caller must hold an open log transaction, since Writei can grow dp
// and Dirlookup's failure path can Iput an existing match.
func Dirlink(ctx context.Context, ic *inode.Cache, dp *inode.Inode, name string, inum uint32) error {
	existing, _, found, err := Dirlookup(ctx, ic, dp, name)
	if err != nil {
		return err
	}

	if found {
		if err := ic.Iput(ctx, existing); err != nil {
			return fmt.Errorf("dir: dirlink: iput existing %q: %w", name, err)
		}

		return fmt.Errorf("dir: dirlink: %q: %w", name, ErrExist)
	}

	buf := make([]byte, super.DirentSize)

	var off uint32

	for off = 0; off < dp.Size; off += uint32(super.DirentSize) {
		n, err := ic.Readi(ctx, dp, buf, off)
		if err != nil {
			return fmt.Errorf("dir: dirlink: readi at %d: %w", off, err)
		}

		if n != super.DirentSize {
			fatalf("dirlink read")
		}

		de, err := super.UnmarshalDirent(buf)
		if err != nil {
			return fmt.Errorf("dir: dirlink: decode dirent at %d: %w", off, err)
		}

		if de.Inum == 0 {
			break
		}
	}

	de := super.Dirent{Inum: uint16(inum)}
	de.SetName(name)

	n, err := ic.Writei(ctx, dp, de.Marshal(), off)
	if err != nil {
		return fmt.Errorf("dir: dirlink: writei at %d: %w", off, err)
	}

	if n != super.DirentSize {
		fatalf("dirlink")
	}

	return nil
}
