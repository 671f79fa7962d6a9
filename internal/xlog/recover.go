package xlog

import (
	"context"
	"fmt"

	"github.com/calvinalkan/xv6fs/internal/super"
)

// recover reads the on-disk header; if it records a committed (N>0)
// transaction, it replays install_trans, then clears N and writes the
// header again to erase the transaction. This is idempotent: running it
// twice in a row is a no-op the second time, since the header it reads back
// already has N==0.
func (l *Log) recover(ctx context.Context) error {
	buf, err := l.bc.Get(ctx, l.dev, l.start)
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	lh, err := super.UnmarshalLogHeader(buf.Data)
	buf.Release()

	if err != nil {
		return fmt.Errorf("decode header: %w", err)
	}

	l.mu.Lock()
	l.lh = lh
	n := l.lh.N
	sectors := l.lh.Sector
	l.mu.Unlock()

	if n > 0 {
		err = l.installTrans(ctx, n, sectors)
		if err != nil {
			return fmt.Errorf("replay transaction: %w", err)
		}
	}

	l.mu.Lock()
	l.lh.N = 0
	l.mu.Unlock()

	return l.writeHead(ctx)
}
