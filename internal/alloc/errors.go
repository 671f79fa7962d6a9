package alloc

import (
	"errors"

	"github.com/calvinalkan/xv6fs/internal/xfatal"
)

// ErrOutOfBlocks is returned by Balloc when every data block described by
// the bitmap is already marked in use.
var ErrOutOfBlocks = errors.New("alloc: out of blocks")

// fatalf raises a xfatal.Error tagged "alloc" -- currently only for a
// double free, which the original treats as a kernel panic.
func fatalf(format string, args ...any) {
	xfatal.Raise("alloc", format, args...)
}
