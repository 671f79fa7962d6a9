// Package pathres implements pathname resolution (L6): splitting a path
// into elements and walking the directory tree one locked inode at a time.
// Ported from pdos/xv6-comment's fs.c skipelem/namex/namei/nameiparent.
package pathres

import (
	"context"
	"errors"
	"fmt"

	"github.com/calvinalkan/xv6fs/internal/dir"
	"github.com/calvinalkan/xv6fs/internal/inode"
	"github.com/calvinalkan/xv6fs/internal/super"
)

// ErrNotFound is returned when a path component does not exist.
var ErrNotFound = errors.New("pathres: no such file or directory")

// ErrNotDir is returned when a non-final path component is not a
// directory.
var ErrNotDir = errors.New("pathres: not a directory")

// Skipelem copies the next path element from path and returns the
// remainder. It has no leading slashes, so the caller can check rest=="" to
// see if elem is the last one. ok is false if there is no element to
// remove (path is empty or all slashes).
//
// A path element longer than DirSiz bytes is silently truncated to its
// first DirSiz bytes, exactly as the original's
// `if(len >= DIRSIZ) memmove(name, s, DIRSIZ)` does -- two elements that
// agree on their first DirSiz bytes are indistinguishable to every layer
// above this one. This is preserved deliberately, not redesigned: see
// DESIGN.md's Open Question notes.
//
// Examples:
//
//	Skipelem("a/bb/c")   = "a", "bb/c", true
//	Skipelem("///a//bb") = "a", "bb", true
//	Skipelem("a")        = "a", "", true
//	Skipelem("")         = "", "", false
//	Skipelem("////")     = "", "", false
func Skipelem(path string) (elem, rest string, ok bool) {
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}

	if i == len(path) {
		return "", "", false
	}

	start := i
	for i < len(path) && path[i] != '/' {
		i++
	}

	raw := path[start:i]
	if len(raw) >= super.DirSiz {
		elem = raw[:super.DirSiz]
	} else {
		elem = raw
	}

	for i < len(path) && path[i] == '/' {
		i++
	}

	return elem, path[i:], true
}

// Namex resolves path to an inode, one locked inode at a time: an absolute
// path anchors at the root inode, a relative path anchors at cwd (Idup'd,
// so the caller's reference is untouched). If parent is true, it stops one
// level early and returns the locked-then-unlocked parent directory plus
// the final element's name instead of resolving it; this is Nameiparent's
// job. Must be called inside an open log transaction, since it may Iput
// intermediate inodes.
func Namex(ctx context.Context, ic *inode.Cache, cwd *inode.Inode, path string, parent bool) (*inode.Inode, string, error) {
	var ip *inode.Inode

	if len(path) > 0 && path[0] == '/' {
		ip = ic.Iget(super.RootIno)
	} else {
		if cwd == nil {
			return nil, "", fmt.Errorf("pathres: relative path %q with no cwd", path)
		}

		ip = ic.Idup(cwd)
	}

	rest := path

	for {
		name, next, ok := Skipelem(rest)
		if !ok {
			break
		}

		rest = next

		if err := ic.Ilock(ctx, ip); err != nil {
			return nil, "", err
		}

		if ip.Type != super.TypeDir {
			if err := ic.Iunlockput(ctx, ip); err != nil {
				return nil, "", err
			}

			return nil, "", ErrNotDir
		}

		if parent && rest == "" {
			ic.Iunlock(ip)

			return ip, name, nil
		}

		target, _, found, err := dir.Dirlookup(ctx, ic, ip, name)
		if err != nil {
			_ = ic.Iunlockput(ctx, ip)

			return nil, "", err
		}

		if !found {
			if err := ic.Iunlockput(ctx, ip); err != nil {
				return nil, "", err
			}

			return nil, "", ErrNotFound
		}

		if err := ic.Iunlockput(ctx, ip); err != nil {
			return nil, "", err
		}

		ip = target
	}

	if parent {
		if err := ic.Iput(ctx, ip); err != nil {
			return nil, "", err
		}

		return nil, "", ErrNotFound
	}

	return ip, "", nil
}

// Namei resolves path to its target inode.
func Namei(ctx context.Context, ic *inode.Cache, cwd *inode.Inode, path string) (*inode.Inode, error) {
	ip, _, err := Namex(ctx, ic, cwd, path, false)

	return ip, err
}

// Nameiparent resolves path's parent directory, returning it (unlocked,
// referenced) along with path's final element.
func Nameiparent(ctx context.Context, ic *inode.Cache, cwd *inode.Inode, path string) (*inode.Inode, string, error) {
	return Namex(ctx, ic, cwd, path, true)
}
