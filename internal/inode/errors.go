package inode

import "github.com/calvinalkan/xv6fs/internal/xfatal"

// fatalf raises a xfatal.Error tagged "inode" for a violation of an
// inode-cache invariant that the original kernel treats as unrecoverable:
// locking an inode nobody holds a reference to, unlocking one that isn't
// locked, running out of cache slots or on-disk inodes, or finding a zero
// type on a "valid" inode.
func fatalf(format string, args ...any) {
	xfatal.Raise("inode", format, args...)
}
