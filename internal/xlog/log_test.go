package xlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/calvinalkan/xv6fs/internal/bufcache"
	"github.com/calvinalkan/xv6fs/internal/device"
	"github.com/calvinalkan/xv6fs/internal/super"
	"github.com/calvinalkan/xv6fs/internal/xfatal"
)

const testDev = 1

func newTestLog(t *testing.T, dev device.Device, nLog uint32) (*Log, *bufcache.Cache) {
	t.Helper()

	bc := bufcache.New(dev, int(super.NBuf))
	layout := super.NewLayout(super.Superblock{
		Size:    dev.NSectors(),
		NBlocks: dev.NSectors() - nLog - 10,
		NInodes: 64,
		NLog:    nLog,
	})

	l, err := Open(context.Background(), bc, testDev, layout)
	if err != nil {
		t.Fatalf("xlog.Open: %v", err)
	}

	return l, bc
}

func Test_Log_CommitPersistsWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := device.NewMem(64)
	l, bc := newTestLog(t, dev, super.LogSize+1)

	if err := l.BeginOp(ctx); err != nil {
		t.Fatalf("BeginOp: %v", err)
	}

	buf, err := bc.Get(ctx, testDev, 20)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	for i := range buf.Data {
		buf.Data[i] = 0x5a
	}

	l.Write(buf)
	buf.Release()

	if err := l.EndOp(ctx); err != nil {
		t.Fatalf("EndOp: %v", err)
	}

	got := make([]byte, super.BlockSize)

	if err := dev.ReadSector(ctx, 20, got); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}

	for _, b := range got {
		if b != 0x5a {
			t.Fatalf("home block not updated by commit: got %x", got[:4])
		}
	}
}

func Test_Log_Absorption_DoesNotGrowN(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := device.NewMem(64)
	l, bc := newTestLog(t, dev, super.LogSize+1)

	if err := l.BeginOp(ctx); err != nil {
		t.Fatalf("BeginOp: %v", err)
	}

	buf, err := bc.Get(ctx, testDev, 20)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	buf.Data[0] = 1
	l.Write(buf)
	buf.Data[0] = 2
	l.Write(buf)
	buf.Release()

	l.mu.Lock()
	n := l.lh.N
	l.mu.Unlock()

	if n != 1 {
		t.Fatalf("two log_write calls for the same sector: want n=1 (absorption), got n=%d", n)
	}

	if err := l.EndOp(ctx); err != nil {
		t.Fatalf("EndOp: %v", err)
	}

	got := make([]byte, super.BlockSize)
	if err := dev.ReadSector(ctx, 20, got); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}

	if got[0] != 2 {
		t.Fatalf("absorption should install the second write's bytes, got %d", got[0])
	}
}

func Test_Log_Write_OutsideTransaction_Panics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := device.NewMem(64)
	l, bc := newTestLog(t, dev, super.LogSize+1)

	buf, err := bc.Get(ctx, testDev, 20)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer buf.Release()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("Write outside a transaction: want panic, got none")
		}

		if _, ok := r.(*xfatal.Error); !ok {
			t.Fatalf("panic value type = %T, want *xfatal.Error", r)
		}
	}()

	l.Write(buf)
}

func Test_Log_BeginOp_Blocks_WhenLogWouldOverflow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := device.NewMem(64)
	// A log region with exactly MaxOpBlocks payload blocks: a single
	// outstanding op already uses the whole budget, so a second BeginOp must
	// block.
	l, _ := newTestLog(t, dev, super.MaxOpBlocks+1)

	if err := l.BeginOp(ctx); err != nil {
		t.Fatalf("first BeginOp: %v", err)
	}

	var wg sync.WaitGroup

	started := make(chan struct{})
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()

		close(started)

		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		err := l.BeginOp(cctx)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("second BeginOp while log is saturated: want DeadlineExceeded, got %v", err)
		}

		close(done)
	}()

	<-started
	<-done
	wg.Wait()

	if err := l.EndOp(ctx); err != nil {
		t.Fatalf("EndOp: %v", err)
	}
}

func Test_Log_EndOp_WakesWaitingBeginOp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := device.NewMem(64)
	l, _ := newTestLog(t, dev, super.MaxOpBlocks+1)

	if err := l.BeginOp(ctx); err != nil {
		t.Fatalf("first BeginOp: %v", err)
	}

	unblocked := make(chan error, 1)

	go func() {
		unblocked <- l.BeginOp(ctx)
	}()

	time.Sleep(20 * time.Millisecond)

	select {
	case err := <-unblocked:
		t.Fatalf("second BeginOp returned before log space freed: err=%v", err)
	default:
	}

	if err := l.EndOp(ctx); err != nil {
		t.Fatalf("EndOp: %v", err)
	}

	select {
	case err := <-unblocked:
		if err != nil {
			t.Fatalf("second BeginOp after EndOp: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("second BeginOp never unblocked after EndOp")
	}

	if err := l.EndOp(ctx); err != nil {
		t.Fatalf("final EndOp: %v", err)
	}
}

func Test_Log_Recovery_AfterCrashBetweenCommitAndInstall(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := device.NewMem(64)
	fault := device.NewFault(mem)

	bc := bufcache.New(fault, int(super.NBuf))
	layout := super.NewLayout(super.Superblock{
		Size:    mem.NSectors(),
		NBlocks: mem.NSectors() - super.MaxOpBlocks - 10,
		NInodes: 64,
		NLog:    super.MaxOpBlocks + 1,
	})

	l, err := Open(ctx, bc, testDev, layout)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const homeSector = 20

	// Seed the home block with a recognizable "before" value directly on
	// the underlying device, bypassing the log.
	before := make([]byte, super.BlockSize)
	for i := range before {
		before[i] = 0xAA
	}

	if err := mem.WriteSector(ctx, homeSector, before); err != nil {
		t.Fatalf("seed home block: %v", err)
	}

	if err := l.BeginOp(ctx); err != nil {
		t.Fatalf("BeginOp: %v", err)
	}

	buf, err := bc.Get(ctx, testDev, homeSector)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	want := byte(0xCC)
	for i := range buf.Data {
		buf.Data[i] = want
	}

	l.Write(buf)
	buf.Release()

	// One block transaction: commit performs
	//   1. write_log (payload write)
	//   2. write_head (commit point)
	//   3. install_trans (home write)
	//   4. write_head (erase)
	// Fail starting at call 3, i.e. after the commit point has landed but
	// before the home block is updated.
	fault.Arm(3)

	err = l.EndOp(ctx)
	if err == nil {
		t.Fatalf("EndOp: want injected-fault error, got nil")
	}

	fault.Disarm()

	// Home block must NOT have been updated yet: the crash happened before
	// install_trans.
	gotBeforeRecovery := make([]byte, super.BlockSize)
	if err := mem.ReadSector(ctx, homeSector, gotBeforeRecovery); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}

	if gotBeforeRecovery[0] != 0xAA {
		t.Fatalf("home block changed before install_trans ran: got %x", gotBeforeRecovery[0])
	}

	// "Reboot": open a fresh Log over the same underlying device (no
	// fault injector this time) and let recovery replay the committed
	// transaction.
	bc2 := bufcache.New(mem, int(super.NBuf))

	_, err = Open(ctx, bc2, testDev, layout)
	if err != nil {
		t.Fatalf("recovery Open: %v", err)
	}

	gotAfterRecovery := make([]byte, super.BlockSize)
	if err := mem.ReadSector(ctx, homeSector, gotAfterRecovery); err != nil {
		t.Fatalf("ReadSector after recovery: %v", err)
	}

	for _, b := range gotAfterRecovery {
		if b != want {
			t.Fatalf("recovery did not replay the committed transaction: got %x, want %x", gotAfterRecovery[:4], want)
		}
	}
}

func Test_Log_Recovery_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := device.NewMem(64)

	bc := bufcache.New(mem, int(super.NBuf))
	layout := super.NewLayout(super.Superblock{
		Size:    mem.NSectors(),
		NBlocks: mem.NSectors() - super.MaxOpBlocks - 10,
		NInodes: 64,
		NLog:    super.MaxOpBlocks + 1,
	})

	l, err := Open(ctx, bc, testDev, layout)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := l.BeginOp(ctx); err != nil {
		t.Fatalf("BeginOp: %v", err)
	}

	buf, err := bc.Get(ctx, testDev, 20)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	buf.Data[0] = 0x11
	l.Write(buf)
	buf.Release()

	if err := l.EndOp(ctx); err != nil {
		t.Fatalf("EndOp: %v", err)
	}

	snapshotOnce := mem.Snapshot()

	// Recovering twice in a row should be a no-op the second time.
	bc2 := bufcache.New(mem, int(super.NBuf))
	if _, err := Open(ctx, bc2, testDev, layout); err != nil {
		t.Fatalf("first recovery Open: %v", err)
	}

	bc3 := bufcache.New(mem, int(super.NBuf))
	if _, err := Open(ctx, bc3, testDev, layout); err != nil {
		t.Fatalf("second recovery Open: %v", err)
	}

	snapshotTwice := mem.Snapshot()

	if len(snapshotOnce) != len(snapshotTwice) {
		t.Fatalf("snapshot length changed across idempotent recovery")
	}

	for i := range snapshotOnce {
		if string(snapshotOnce[i]) != string(snapshotTwice[i]) {
			t.Fatalf("sector %d differs after a second recovery pass", i)
		}
	}
}
