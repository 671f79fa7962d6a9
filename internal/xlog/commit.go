package xlog

import (
	"context"
	"fmt"

	"github.com/calvinalkan/xv6fs/internal/bufcache"
	"github.com/calvinalkan/xv6fs/internal/super"
)

// commit runs the four-step commit protocol without holding l.mu. Only one
// goroutine ever runs commit at a time, by construction: EndOp only calls it
// after observing outstanding==0 under the lock, and no new BeginOp can
// proceed while l.committing is set.
func (l *Log) commit(ctx context.Context) error {
	l.mu.Lock()
	n := l.lh.N
	sectors := l.lh.Sector
	l.mu.Unlock()

	if n == 0 {
		return nil
	}

	err := l.writeLog(ctx, n, sectors)
	if err != nil {
		return fmt.Errorf("write log: %w", err)
	}

	err = l.writeHead(ctx)
	if err != nil {
		return fmt.Errorf("write head (commit point): %w", err)
	}

	err = l.installTrans(ctx, n, sectors)
	if err != nil {
		return fmt.Errorf("install trans: %w", err)
	}

	l.mu.Lock()
	l.lh.N = 0
	l.mu.Unlock()

	err = l.writeHead(ctx)
	if err != nil {
		return fmt.Errorf("write head (erase): %w", err)
	}

	return nil
}

// writeLog copies the current in-cache contents of each logged sector into
// its payload block in the log region and forces those payload blocks to
// the device. Durability of this step is what makes write_head's single
// write below an atomic commit point: once payload bytes are safely on
// disk, recording their count is all that remains to make the transaction
// durable.
func (l *Log) writeLog(ctx context.Context, n int32, sectors [super.LogSize]int32) error {
	for i := int32(0); i < n; i++ {
		src, err := l.bc.Get(ctx, l.dev, uint32(sectors[i]))
		if err != nil {
			return fmt.Errorf("read cached sector %d: %w", sectors[i], err)
		}

		payload := l.start + uint32(i) + 1

		dst, err := l.bc.Get(ctx, l.dev, payload)
		if err != nil {
			src.Release()

			return fmt.Errorf("read log payload block %d: %w", payload, err)
		}

		copy(dst.Data, src.Data)

		err = l.writeThrough(ctx, dst)

		src.Release()
		dst.Release()

		if err != nil {
			return err
		}
	}

	return nil
}

// writeHead writes the in-memory header to the log's header block. The
// first call in commit is the true commit point: once it lands, recovery
// will replay the transaction even if everything after it is lost. The
// second call (after installTrans, with N reset to 0) erases the
// transaction from the log.
func (l *Log) writeHead(ctx context.Context) error {
	l.mu.Lock()
	lh := l.lh
	l.mu.Unlock()

	buf, err := l.bc.Get(ctx, l.dev, l.start)
	if err != nil {
		return fmt.Errorf("read header block: %w", err)
	}
	defer buf.Release()

	copy(buf.Data, lh.Marshal())

	return l.writeThrough(ctx, buf)
}

// installTrans copies each logged payload block to its home sector and
// clears the buffer cache's dirty bit for it, making it evictable again.
func (l *Log) installTrans(ctx context.Context, n int32, sectors [super.LogSize]int32) error {
	for i := int32(0); i < n; i++ {
		payload := l.start + uint32(i) + 1

		lbuf, err := l.bc.Get(ctx, l.dev, payload)
		if err != nil {
			return fmt.Errorf("read log payload block %d: %w", payload, err)
		}

		home := uint32(sectors[i])

		dbuf, err := l.bc.Get(ctx, l.dev, home)
		if err != nil {
			lbuf.Release()

			return fmt.Errorf("read home block %d: %w", home, err)
		}

		copy(dbuf.Data, lbuf.Data)

		err = l.writeThrough(ctx, dbuf)

		l.bc.ClearDirty(l.dev, home)

		lbuf.Release()
		dbuf.Release()

		if err != nil {
			return err
		}
	}

	return nil
}

// writeThrough forces buf's current contents to the device and syncs. This
// is the single point every commit-protocol step funnels through, so a
// device.Fault can simulate a crash at any step by failing the write.
func (l *Log) writeThrough(ctx context.Context, buf *bufcache.Buf) error {
	err := l.rawDevice.WriteSector(ctx, buf.Sector, buf.Data)
	if err != nil {
		return fmt.Errorf("write sector %d: %w", buf.Sector, err)
	}

	err = l.rawDevice.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync after sector %d: %w", buf.Sector, err)
	}

	return nil
}
