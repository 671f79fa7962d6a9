package xv6fs

import (
	"errors"

	"github.com/calvinalkan/xv6fs/internal/alloc"
	"github.com/calvinalkan/xv6fs/internal/dir"
	"github.com/calvinalkan/xv6fs/internal/inode"
	"github.com/calvinalkan/xv6fs/internal/pathres"
	"github.com/calvinalkan/xv6fs/internal/xfatal"
)

// FatalError marks the violation of an on-disk or cache invariant that the
// original kernel would have handled by halting: a double free, locking an
// inode nobody references, log overflow, on-disk corruption. Every layer
// panics with this same type (see internal/xfatal) instead of a bare
// string, so a recovering caller -- cmd/fsshell's top-level run, for
// instance -- can report it without losing the call site.
type FatalError = xfatal.Error

// Expected, recoverable conditions. Each layer's own sentinel is wrapped at
// its call site with fmt.Errorf("...: %w", ...); callers should compare
// against these with errors.Is rather than matching error strings.
var (
	// ErrNotExist is returned when a path component does not exist.
	ErrNotExist = pathres.ErrNotFound

	// ErrNotDir is returned when a non-final path component is not a
	// directory.
	ErrNotDir = pathres.ErrNotDir

	// ErrExist is returned by Dirlink when the name is already present in
	// the directory.
	ErrExist = dir.ErrExist

	// ErrInvalidOffset is returned by Readi/Writei for an out-of-range
	// offset.
	ErrInvalidOffset = inode.ErrInvalidOffset

	// ErrFileTooLarge is returned by Writei when a write would grow a file
	// past MaxFile blocks.
	ErrFileTooLarge = inode.ErrFileTooLarge

	// ErrNoDevice is returned by Readi/Writei on a T_DEV inode whose Major
	// has no entry in the device switch table.
	ErrNoDevice = inode.ErrNoDevice

	// ErrOutOfBlocks is returned when the bitmap has no free data block
	// left to allocate.
	ErrOutOfBlocks = alloc.ErrOutOfBlocks

	// ErrRollbackUnsupported is returned by Txn.Rollback: the underlying
	// write-ahead log (internal/xlog) has no abort path, mirroring the
	// original kernel's begin_op/end_op pair, which always commits. See
	// DESIGN.md's Open Question notes.
	ErrRollbackUnsupported = errors.New("xv6fs: rollback is not supported; the log commits unconditionally on EndOp")
)
