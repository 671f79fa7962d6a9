package device

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/xv6fs/internal/super"
)

// FileDevice is a Device backed by a real, regular file on the host
// filesystem. It takes an advisory exclusive flock for the lifetime of the
// handle so two processes never mkfs/mount the same image concurrently --
// the same flock(2)-based exclusion the teacher repo uses to serialize
// writers around its own WAL (see DESIGN.md).
type FileDevice struct {
	f        *os.File
	nSectors uint32
	locked   bool
}

// OpenFile opens path as a FileDevice with the given sector count. The file
// is created if it does not exist and grown to nSectors*BlockSize bytes.
func OpenFile(path string, nSectors uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("device: lock %s: %w", path, err)
	}

	size := int64(nSectors) * super.BlockSize

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("device: stat %s: %w", path, err)
	}

	if info.Size() < size {
		err = f.Truncate(size)
		if err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("device: grow %s: %w", path, err)
		}
	}

	return &FileDevice{f: f, nSectors: nSectors, locked: true}, nil
}

func (d *FileDevice) ReadSector(_ context.Context, sector uint32, dst []byte) error {
	if sector >= d.nSectors {
		return fmt.Errorf("device: read sector %d out of range [0,%d)", sector, d.nSectors)
	}

	_, err := d.f.ReadAt(dst[:super.BlockSize], int64(sector)*super.BlockSize)
	if err != nil {
		return fmt.Errorf("device: read sector %d: %w", sector, err)
	}

	return nil
}

func (d *FileDevice) WriteSector(_ context.Context, sector uint32, src []byte) error {
	if sector >= d.nSectors {
		return fmt.Errorf("device: write sector %d out of range [0,%d)", sector, d.nSectors)
	}

	_, err := d.f.WriteAt(src[:super.BlockSize], int64(sector)*super.BlockSize)
	if err != nil {
		return fmt.Errorf("device: write sector %d: %w", sector, err)
	}

	return nil
}

func (d *FileDevice) Sync(_ context.Context) error {
	err := d.f.Sync()
	if err != nil {
		return fmt.Errorf("device: sync: %w", err)
	}

	return nil
}

func (d *FileDevice) NSectors() uint32 { return d.nSectors }

func (d *FileDevice) Close() error {
	if d.locked {
		_ = unix.Flock(int(d.f.Fd()), unix.LOCK_UN)

		d.locked = false
	}

	err := d.f.Close()
	if err != nil {
		return fmt.Errorf("device: close: %w", err)
	}

	return nil
}
