package dir

import "github.com/calvinalkan/xv6fs/internal/xfatal"

// fatalf raises a xfatal.Error tagged "dir" for a directory-content
// invariant violation: a short readi/writei against a directory inode,
// which the original treats as on-disk corruption and panics on.
func fatalf(format string, args ...any) {
	xfatal.Raise("dir", format, args...)
}
