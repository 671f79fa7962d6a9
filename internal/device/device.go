// Package device provides the sector-addressable storage abstraction that
// sits below the buffer cache (L0 in the filesystem stack). It is
// intentionally the thinnest layer in the stack: callers address blocks by
// number, not by byte offset, and the device never interprets block
// contents.
//
// Device has one production implementation ([FileDevice], a real image
// file) and one test double ([MemDevice], an in-memory image), plus a
// decorator ([Fault]) used to simulate crashes for recovery tests.
package device

import "context"

// Device is a fixed-size-sector random access store. All sector numbers are
// in [0, NSectors).
type Device interface {
	// ReadSector reads exactly super.BlockSize bytes from the given sector
	// into dst. dst must be at least that long.
	ReadSector(ctx context.Context, sector uint32, dst []byte) error

	// WriteSector writes exactly super.BlockSize bytes from src to the
	// given sector. src must be at least that long.
	WriteSector(ctx context.Context, sector uint32, src []byte) error

	// Sync flushes any buffered writes to stable storage. The log calls
	// Sync after every sector it writes during commit and recovery (each
	// write_log payload block, each write_head, each install_trans home
	// block) -- see internal/xlog.
	Sync(ctx context.Context) error

	// NSectors returns the device's fixed capacity in sectors.
	NSectors() uint32

	// Close releases the underlying resource.
	Close() error
}
