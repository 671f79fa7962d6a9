package bufcache

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/calvinalkan/xv6fs/internal/device"
	"github.com/calvinalkan/xv6fs/internal/super"
)

func Test_Cache_Get_ReadsThroughOnMiss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := device.NewMem(4)

	want := bytes.Repeat([]byte{0x7}, super.BlockSize)
	if err := dev.WriteSector(ctx, 1, want); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	c := New(dev, 2)

	buf, err := c.Get(ctx, 0, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer buf.Release()

	if !bytes.Equal(buf.Data, want) {
		t.Fatalf("Get returned stale data: got %x, want %x", buf.Data[:4], want[:4])
	}
}

func Test_Cache_Get_SameSlot_OnRepeatedGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := device.NewMem(4)
	c := New(dev, 2)

	buf1, err := c.Get(ctx, 0, 1)
	if err != nil {
		t.Fatalf("Get 1: %v", err)
	}

	buf2, err := c.Get(ctx, 0, 1)
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}

	if buf1 != buf2 {
		t.Fatalf("two Gets of the same (dev,sector) returned different Bufs")
	}

	buf1.Release()
	buf2.Release()
}

func Test_Cache_Eviction_Fails_When_AllPinned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := device.NewMem(8)
	c := New(dev, 2)

	b0, err := c.Get(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}

	b1, err := c.Get(ctx, 0, 1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}

	_, err = c.Get(ctx, 0, 2)
	if err == nil {
		t.Fatalf("Get(2) with both slots pinned: want error, got nil")
	}

	b0.Release()
	b1.Release()
}

func Test_Cache_Eviction_ReusesReleasedSlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := device.NewMem(8)
	c := New(dev, 1)

	b0, err := c.Get(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	b0.Release()

	b1, err := c.Get(ctx, 0, 1)
	if err != nil {
		t.Fatalf("Get(1) after release: %v", err)
	}
	defer b1.Release()

	if b1.Sector != 1 {
		t.Fatalf("evicted slot did not get reused: sector=%d", b1.Sector)
	}
}

// gatedDevice wraps a device.Device and blocks the first ReadSector call
// until release is closed, widening the window between an entry being
// published in byKey and its Data being filled -- the race a concurrent
// Get must not be able to observe.
type gatedDevice struct {
	device.Device

	release chan struct{}
	gated   sync.Once
}

func (g *gatedDevice) ReadSector(ctx context.Context, sector uint32, dst []byte) error {
	g.gated.Do(func() { <-g.release })

	return g.Device.ReadSector(ctx, sector, dst)
}

// Test_Cache_Get_ConcurrentMiss_NeverObservesUnfilledData guards against a
// second Get for the same (dev,sector), racing the first on a cache miss,
// returning a Buf before the first Get's ReadSector has actually filled it.
func Test_Cache_Get_ConcurrentMiss_NeverObservesUnfilledData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := &gatedDevice{Device: device.NewMem(4), release: make(chan struct{})}

	want := bytes.Repeat([]byte{0x9}, super.BlockSize)
	if err := dev.Device.WriteSector(ctx, 2, want); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	c := New(dev, 2)

	const n = 8

	var (
		wg      sync.WaitGroup
		results = make([]*Buf, n)
		errs    = make([]error, n)
	)

	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			<-start

			results[i], errs[i] = c.Get(ctx, 0, 2)
		}(i)
	}

	close(start)

	// Give the goroutine that wins the race to become the filler time to
	// publish its entry and block in ReadSector, and the rest time to pile
	// up on the same (dev,sector) key, before letting the read complete.
	time.Sleep(10 * time.Millisecond)
	close(dev.release)

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}

		if !bytes.Equal(results[i].Data, want) {
			t.Fatalf("Get %d observed unfilled or stale data: got %x, want %x", i, results[i].Data[:4], want[:4])
		}

		results[i].Release()
	}
}

func Test_Cache_DirtyBuffer_NotEvicted_UntilCleared(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := device.NewMem(8)
	c := New(dev, 1)

	b0, err := c.Get(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	b0.MarkDirty()
	b0.Release()

	_, err = c.Get(ctx, 0, 1)
	if err == nil {
		t.Fatalf("Get(1) should fail: the only slot is dirty and pinned")
	}

	c.ClearDirty(0, 0)

	b1, err := c.Get(ctx, 0, 1)
	if err != nil {
		t.Fatalf("Get(1) after ClearDirty: %v", err)
	}
	b1.Release()
}
