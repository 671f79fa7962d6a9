package inode

import (
	"context"
	"testing"
	"time"

	"github.com/calvinalkan/xv6fs/internal/bufcache"
	"github.com/calvinalkan/xv6fs/internal/device"
	"github.com/calvinalkan/xv6fs/internal/super"
	"github.com/calvinalkan/xv6fs/internal/xfatal"
	"github.com/calvinalkan/xv6fs/internal/xlog"
)

const testDev = 1

func newTestCache(t *testing.T, nBlocks, nInodes uint32) *Cache {
	t.Helper()

	ctx := context.Background()

	nLog := super.MaxOpBlocks + 1
	sb := super.Superblock{NBlocks: nBlocks, NInodes: nInodes, NLog: nLog}
	sb.Size = super.ComputeSize(nBlocks, nInodes, nLog)

	dev := device.NewMem(sb.Size)
	bc := bufcache.New(dev, int(super.NBuf))
	layout := super.NewLayout(sb)

	l, err := xlog.Open(ctx, bc, testDev, layout)
	if err != nil {
		t.Fatalf("xlog.Open: %v", err)
	}

	devsw := &super.DevSwitch{}

	return NewCache(l, bc, devsw, testDev, layout)
}

func withTxn(t *testing.T, c *Cache, f func()) {
	t.Helper()

	ctx := context.Background()

	if err := c.log.BeginOp(ctx); err != nil {
		t.Fatalf("BeginOp: %v", err)
	}

	f()

	if err := c.log.EndOp(ctx); err != nil {
		t.Fatalf("EndOp: %v", err)
	}
}

func Test_Ialloc_Ilock_Iupdate_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestCache(t, 32, 32)

	var ip *Inode

	withTxn(t, c, func() {
		var err error

		ip, err = c.Ialloc(ctx, super.TypeFile)
		if err != nil {
			t.Fatalf("Ialloc: %v", err)
		}
	})

	if err := c.Ilock(ctx, ip); err != nil {
		t.Fatalf("Ilock: %v", err)
	}

	if ip.Type != super.TypeFile {
		t.Fatalf("Type = %d, want TypeFile", ip.Type)
	}

	ip.NLink = 1

	withTxn(t, c, func() {
		if err := c.Iupdate(ctx, ip); err != nil {
			t.Fatalf("Iupdate: %v", err)
		}
	})

	c.Iunlock(ip)

	// Fetch a fresh slot for the same inum and confirm the persisted
	// change survives a reload from disk.
	ip2 := c.Iget(ip.Inum)
	if err := c.Ilock(ctx, ip2); err != nil {
		t.Fatalf("Ilock(ip2): %v", err)
	}

	if ip2.NLink != 1 {
		t.Fatalf("NLink after reload = %d, want 1", ip2.NLink)
	}

	c.Iunlock(ip2)
}

func Test_Ilock_Excludes_ConcurrentLockers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestCache(t, 32, 32)

	var ip *Inode

	withTxn(t, c, func() {
		var err error

		ip, err = c.Ialloc(ctx, super.TypeFile)
		if err != nil {
			t.Fatalf("Ialloc: %v", err)
		}
	})

	if err := c.Ilock(ctx, ip); err != nil {
		t.Fatalf("Ilock: %v", err)
	}

	dup := c.Idup(ip)

	unblocked := make(chan error, 1)

	go func() {
		unblocked <- c.Ilock(ctx, dup)
	}()

	time.Sleep(20 * time.Millisecond)

	select {
	case err := <-unblocked:
		t.Fatalf("second Ilock on the same inode returned before Iunlock: err=%v", err)
	default:
	}

	c.Iunlock(ip)

	select {
	case err := <-unblocked:
		if err != nil {
			t.Fatalf("second Ilock after Iunlock: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("second Ilock never unblocked after Iunlock")
	}

	c.Iunlock(dup)
}

func Test_Ilock_UnreferencedInode_Panics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestCache(t, 32, 32)

	ip := &Inode{cache: c}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("Ilock on an unreferenced inode: want panic, got none")
		}

		if _, ok := r.(*xfatal.Error); !ok {
			t.Fatalf("panic value type = %T, want *xfatal.Error", r)
		}
	}()

	_ = c.Ilock(ctx, ip)
}

func Test_Writei_Readi_RoundTrip_MultipleDirectBlocks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestCache(t, 64, 32)

	var ip *Inode

	withTxn(t, c, func() {
		var err error

		ip, err = c.Ialloc(ctx, super.TypeFile)
		if err != nil {
			t.Fatalf("Ialloc: %v", err)
		}
	})

	if err := c.Ilock(ctx, ip); err != nil {
		t.Fatalf("Ilock: %v", err)
	}
	defer c.Iunlock(ip)

	data := make([]byte, 1500)
	for i := range data {
		data[i] = byte(i)
	}

	withTxn(t, c, func() {
		n, err := c.Writei(ctx, ip, data, 0)
		if err != nil {
			t.Fatalf("Writei: %v", err)
		}

		if n != len(data) {
			t.Fatalf("Writei returned %d, want %d", n, len(data))
		}
	})

	if ip.Size != uint32(len(data)) {
		t.Fatalf("Size = %d, want %d", ip.Size, len(data))
	}

	// 1500 bytes spans 3 of the 12 direct blocks (512 bytes each); the
	// indirect block pointer must still be unused.
	if ip.Addrs[0] == 0 || ip.Addrs[1] == 0 || ip.Addrs[2] == 0 {
		t.Fatalf("expected three direct blocks allocated, got addrs %v", ip.Addrs[:3])
	}

	if ip.Addrs[super.NDirect] != 0 {
		t.Fatalf("indirect block allocated for a 1500-byte file")
	}

	got := make([]byte, len(data))

	n, err := c.Readi(ctx, ip, got, 0)
	if err != nil {
		t.Fatalf("Readi: %v", err)
	}

	if n != len(data) {
		t.Fatalf("Readi returned %d, want %d", n, len(data))
	}

	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %d, want %d", i, got[i], data[i])
		}
	}
}

func Test_Writei_AllocatesIndirectBlock_PastDirectRange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestCache(t, 64, 32)

	var ip *Inode

	withTxn(t, c, func() {
		var err error

		ip, err = c.Ialloc(ctx, super.TypeFile)
		if err != nil {
			t.Fatalf("Ialloc: %v", err)
		}
	})

	if err := c.Ilock(ctx, ip); err != nil {
		t.Fatalf("Ilock: %v", err)
	}
	defer c.Iunlock(ip)

	off := uint32(13 * super.BlockSize)
	data := []byte("past the direct blocks")

	withTxn(t, c, func() {
		n, err := c.Writei(ctx, ip, data, off)
		if err != nil {
			t.Fatalf("Writei: %v", err)
		}

		if n != len(data) {
			t.Fatalf("Writei returned %d, want %d", n, len(data))
		}
	})

	if ip.Addrs[super.NDirect] == 0 {
		t.Fatalf("writing at block 13 did not allocate the indirect block")
	}

	got := make([]byte, len(data))

	n, err := c.Readi(ctx, ip, got, off)
	if err != nil {
		t.Fatalf("Readi: %v", err)
	}

	if n != len(data) || string(got) != string(data) {
		t.Fatalf("Readi = %q (%d), want %q", got[:n], n, data)
	}
}

func Test_Iput_FreesInodeAndBlocks_WhenUnlinked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestCache(t, 32, 32)

	var ip *Inode

	withTxn(t, c, func() {
		var err error

		ip, err = c.Ialloc(ctx, super.TypeFile)
		if err != nil {
			t.Fatalf("Ialloc: %v", err)
		}
	})

	if err := c.Ilock(ctx, ip); err != nil {
		t.Fatalf("Ilock: %v", err)
	}

	withTxn(t, c, func() {
		if _, err := c.Writei(ctx, ip, []byte("content"), 0); err != nil {
			t.Fatalf("Writei: %v", err)
		}
	})

	block0 := ip.Addrs[0]
	if block0 == 0 {
		t.Fatalf("expected a direct block to be allocated")
	}

	ip.NLink = 0

	withTxn(t, c, func() {
		if err := c.Iunlockput(ctx, ip); err != nil {
			t.Fatalf("Iunlockput: %v", err)
		}
	})

	// The freed block must be reused by the next allocation.
	var ip2 *Inode

	withTxn(t, c, func() {
		var err error

		ip2, err = c.Ialloc(ctx, super.TypeFile)
		if err != nil {
			t.Fatalf("Ialloc: %v", err)
		}
	})

	if err := c.Ilock(ctx, ip2); err != nil {
		t.Fatalf("Ilock: %v", err)
	}
	defer c.Iunlock(ip2)

	withTxn(t, c, func() {
		n, err := c.Writei(ctx, ip2, []byte("x"), 0)
		if err != nil {
			t.Fatalf("Writei: %v", err)
		}

		if n != 1 {
			t.Fatalf("Writei returned %d, want 1", n)
		}
	})

	if ip2.Addrs[0] != block0 {
		t.Fatalf("freed block %d was not reused: got %d", block0, ip2.Addrs[0])
	}
}

func Test_Stati_ReportsFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestCache(t, 32, 32)

	var ip *Inode

	withTxn(t, c, func() {
		var err error

		ip, err = c.Ialloc(ctx, super.TypeDir)
		if err != nil {
			t.Fatalf("Ialloc: %v", err)
		}
	})

	if err := c.Ilock(ctx, ip); err != nil {
		t.Fatalf("Ilock: %v", err)
	}
	defer c.Iunlock(ip)

	ip.NLink = 2

	st := Stati(ip)

	if st.Dev != testDev || st.Inum != ip.Inum || st.Type != super.TypeDir || st.NLink != 2 {
		t.Fatalf("Stati = %+v, unexpected", st)
	}
}
