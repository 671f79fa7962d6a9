// Package xfatal defines the single fatal-error type raised by every layer
// of xv6fs (internal/xlog, internal/alloc, internal/inode, internal/dir)
// when it detects a violated invariant: a double free, locking an
// unreferenced inode, a log overflow, on-disk corruption. It lives in its
// own tiny package so every layer can panic with the same type without an
// import cycle back to the root xv6fs package, which re-exports it as
// xv6fs.FatalError.
package xfatal

import "fmt"

// Error marks an invariant violation that the original C kernel would have
// handled by halting. Site names the layer that detected it (e.g. "xlog",
// "inode"); Msg is the formatted detail.
type Error struct {
	Site string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("xv6fs: fatal (%s): %s", e.Site, e.Msg)
}

// Raise panics with an *Error tagged with site and a formatted message.
// Every layer's fatalf helper is a one-line wrapper around this, so the
// call site is always recorded correctly.
func Raise(site, format string, args ...any) {
	panic(&Error{Site: site, Msg: fmt.Sprintf(format, args...)})
}
