package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/calvinalkan/xv6fs/internal/super"
)

// MemDevice is an in-memory Device, used by tests that want a fast image
// without touching the host filesystem.
type MemDevice struct {
	mu    sync.Mutex
	data  [][]byte
	nSync int
}

// NewMem creates an in-memory device of nSectors zeroed sectors.
func NewMem(nSectors uint32) *MemDevice {
	data := make([][]byte, nSectors)
	for i := range data {
		data[i] = make([]byte, super.BlockSize)
	}

	return &MemDevice{data: data}
}

func (d *MemDevice) ReadSector(_ context.Context, sector uint32, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(sector) >= len(d.data) {
		return fmt.Errorf("device: read sector %d out of range [0,%d)", sector, len(d.data))
	}

	copy(dst[:super.BlockSize], d.data[sector])

	return nil
}

func (d *MemDevice) WriteSector(_ context.Context, sector uint32, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(sector) >= len(d.data) {
		return fmt.Errorf("device: write sector %d out of range [0,%d)", sector, len(d.data))
	}

	copy(d.data[sector], src[:super.BlockSize])

	return nil
}

func (d *MemDevice) Sync(_ context.Context) error {
	d.mu.Lock()
	d.nSync++
	d.mu.Unlock()

	return nil
}

func (d *MemDevice) NSectors() uint32 { return uint32(len(d.data)) }

func (d *MemDevice) Close() error { return nil }

// SyncCount reports how many times Sync has been called, for tests that
// assert on the commit protocol's I/O shape.
func (d *MemDevice) SyncCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.nSync
}

// Snapshot returns a deep copy of the device's current contents, for crash
// simulation: take a snapshot, run a fault-injected commit against a
// separate Fault-wrapped device, then compare recovery outcomes against
// hand-computed expectations.
func (d *MemDevice) Snapshot() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([][]byte, len(d.data))
	for i, b := range d.data {
		cp := make([]byte, len(b))
		copy(cp, b)
		out[i] = cp
	}

	return out
}
