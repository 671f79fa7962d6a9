// Package xlog implements the write-ahead physical redo log (L2): it groups
// the block writes of multiple concurrent operations into a single atomic
// transaction, persists them via a four-step commit protocol, and replays
// any committed-but-not-yet-installed transaction at Open.
//
// The commit protocol and recovery algorithm are ported directly from
// pdos/xv6-comment's log.c; the surrounding Go idiom (a struct wrapping a
// mutex + condvar, sentinel errors, context-aware blocking entry points) is
// grounded on the teacher's internal/store/wal.go and tx.go -- see
// DESIGN.md.
package xlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/calvinalkan/xv6fs/internal/bufcache"
	"github.com/calvinalkan/xv6fs/internal/device"
	"github.com/calvinalkan/xv6fs/internal/super"
)

// Log coordinates grouped, atomic commits of buffer-cache writes to a
// single device's log region. One Log exists per mounted device.
type Log struct {
	bc        *bufcache.Cache
	rawDevice device.Device
	dev       uint32
	start     uint32 // first block of the log region (the header block)
	size      uint32 // number of blocks in the log region, header included

	mu          sync.Mutex
	cond        *sync.Cond
	outstanding int
	committing  bool
	lh          super.LogHeader
}

// Open constructs a Log over the given device's log region (as described by
// layout) and immediately recovers any committed-but-uninstalled
// transaction left over from a previous run. This must happen before any
// client BeginOp, matching the original kernel's requirement that
// recover_from_log() run during initlog(), before any system call.
func Open(ctx context.Context, bc *bufcache.Cache, dev uint32, layout super.Layout) (*Log, error) {
	if 4+super.LogSize*4 > super.BlockSize {
		return nil, ErrLogHeaderTooBig
	}

	l := &Log{
		bc:        bc,
		rawDevice: bc.Device(),
		dev:       dev,
		start:     layout.LogStart,
		size:      layout.NLog,
	}
	l.cond = sync.NewCond(&l.mu)

	err := l.recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("xlog: recover: %w", err)
	}

	return l, nil
}

// BeginOp reserves log budget for one operation (a begin_op/end_op pair).
// It blocks while a commit is in progress, or while admitting one more
// outstanding operation could exceed the log's capacity (the same
// pessimistic bound as the original: every outstanding op might still write
// up to MaxOpBlocks distinct blocks). The capacity is the smaller of LogSize
// and the image's log payload blocks (NLog-1). It returns early with
// ctx.Err() if ctx is canceled while waiting.
func (l *Log) BeginOp(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	done := l.watchCancel(ctx)
	defer done()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if l.committing {
			l.cond.Wait()

			continue
		}

		capacity := super.LogSize
		if int(l.size)-1 < capacity {
			capacity = int(l.size) - 1
		}

		if int(l.lh.N)+(l.outstanding+1)*super.MaxOpBlocks > capacity {
			l.cond.Wait()

			continue
		}

		l.outstanding++

		return nil
	}
}

// watchCancel returns a cleanup function; while armed, it wakes every
// waiter on l.cond whenever ctx is canceled, so a blocked BeginOp can notice
// cancellation promptly instead of waiting for an unrelated EndOp.
func (l *Log) watchCancel(ctx context.Context) func() {
	stop := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		case <-stop:
		}
	}()

	return func() { close(stop) }
}

// Write records the intent to persist buf at commit time: it either
// absorbs into an already-logged slot for the same sector (log absorption)
// or appends a new slot, then pins buf dirty so the buffer cache cannot
// evict it before commit. Write does not touch the device.
//
// Write must be called with at least one outstanding BeginOp, and buf must
// have been obtained from, and still be held from, the buffer cache. Calling
// it with no outstanding BeginOp is fatal, as is a transaction that outgrows
// the log; whether buf is still held is not checked.
func (l *Log) Write(buf *bufcache.Buf) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.outstanding < 1 {
		fatalf("log_write outside of transaction")
	}

	if int(l.lh.N) >= super.LogSize || int(l.lh.N) >= int(l.size)-1 {
		fatalf("too big a transaction")
	}

	i := int32(0)
	for ; i < l.lh.N; i++ {
		if l.lh.Sector[i] == int32(buf.Sector) {
			break
		}
	}

	l.lh.Sector[i] = int32(buf.Sector)
	if i == l.lh.N {
		l.lh.N++
	}

	buf.MarkDirty()
}

// EndOp ends one operation. If it was the last outstanding operation, it
// commits the transaction (without holding the log mutex, since commit does
// I/O and may need to wait on it) and wakes every waiter once done;
// otherwise it just wakes waiters that might be blocked on log space.
func (l *Log) EndOp(ctx context.Context) error {
	l.mu.Lock()

	l.outstanding--
	if l.outstanding < 0 {
		l.mu.Unlock()
		fatalf("end_op without matching begin_op")
	}

	doCommit := false
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		l.cond.Broadcast()
	}

	l.mu.Unlock()

	if !doCommit {
		return nil
	}

	err := l.commit(ctx)

	l.mu.Lock()
	l.committing = false
	l.cond.Broadcast()
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("xlog: commit: %w", err)
	}

	return nil
}

// Outstanding reports the current number of in-flight operations, for
// tests and diagnostics.
func (l *Log) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.outstanding
}
