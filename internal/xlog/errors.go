package xlog

import (
	"errors"

	"github.com/calvinalkan/xv6fs/internal/xfatal"
)

// ErrLogHeaderTooBig reports a LogSize/BlockSize combination that cannot
// hold a full header in one block. It can only happen if someone shrinks
// BlockSize without shrinking LogSize to match; it is checked once at Open.
// LogHeader.Marshal itself panics first if the header does not fit.
var ErrLogHeaderTooBig = errors.New("xlog: log header exceeds block size")

// fatalf raises a xfatal.Error tagged "xlog" for a violation of a log
// invariant that the original kernel treats as unrecoverable (a panic).
// See internal/xfatal's doc for why every layer panics with the same type
// instead of each rolling its own.
func fatalf(format string, args ...any) {
	xfatal.Raise("xlog", format, args...)
}
