// Command fsck checks an xv6fs image's "allocation duality" invariant --
// every data block marked used in the bitmap is reachable from exactly one
// inode's content map, and every block an inode's content map names is
// marked used in the bitmap -- and can optionally force the image through
// log recovery first.
//
// Usage:
//
//	fsck --image disk.img [--force-recovery]
package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/xv6fs"
	"github.com/calvinalkan/xv6fs/internal/device"
	"github.com/calvinalkan/xv6fs/internal/super"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "fsck: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr *os.File) error {
	flagSet := flag.NewFlagSet("fsck", flag.ContinueOnError)
	flagSet.SetOutput(stderr)

	image := flagSet.StringP("image", "i", "", "path of the image file to check")
	forceRecovery := flagSet.Bool("force-recovery", false, "mount the image first, forcing log recovery, before checking it")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if *image == "" {
		return fmt.Errorf("--image is required")
	}

	ctx := context.Background()

	if *forceRecovery {
		if err := recover_(ctx, *image); err != nil {
			return fmt.Errorf("force recovery: %w", err)
		}

		fmt.Fprintln(stdout, "fsck: recovery complete")
	}

	report, err := check(ctx, *image)
	if err != nil {
		return err
	}

	report.print(stdout)

	if !report.clean() {
		return fmt.Errorf("%d inconsistenc(y/ies) found", report.count())
	}

	return nil
}

// recover_ mounts and immediately closes the image, forcing xv6fs.Open's
// recovery pass (xlog.Open replays any committed-but-uninstalled
// transaction left by a prior crash) to run before the read-only check
// below inspects the image.
func recover_(ctx context.Context, path string) error {
	nSectors, err := imageSectors(path)
	if err != nil {
		return err
	}

	dev, err := device.OpenFile(path, nSectors)
	if err != nil {
		return err
	}

	fsys, err := xv6fs.Open(ctx, dev, nil)
	if err != nil {
		_ = dev.Close()

		return err
	}

	return fsys.Close()
}

// report collects every inconsistency found by check.
type report struct {
	leaked      []uint32            // marked used, referenced by no inode
	lost        []uint32            // marked free, referenced by an inode
	duplicated  map[uint32][]uint32 // block -> inodes that both claim it
	badPointers []badPointer        // inode content map points outside the data region
}

type badPointer struct {
	inum  uint32
	block uint32
}

func (r *report) clean() bool {
	return len(r.leaked) == 0 && len(r.lost) == 0 && len(r.duplicated) == 0 && len(r.badPointers) == 0
}

func (r *report) count() int {
	return len(r.leaked) + len(r.lost) + len(r.duplicated) + len(r.badPointers)
}

func (r *report) print(out *os.File) {
	if r.clean() {
		fmt.Fprintln(out, "fsck: clean: allocation duality holds")

		return
	}

	for _, b := range r.leaked {
		fmt.Fprintf(out, "fsck: leaked block %d: marked used, referenced by no inode\n", b)
	}

	for _, b := range r.lost {
		fmt.Fprintf(out, "fsck: lost block %d: referenced by an inode, marked free\n", b)
	}

	for b, inums := range r.duplicated {
		fmt.Fprintf(out, "fsck: duplicated block %d: claimed by inodes %v\n", b, inums)
	}

	for _, bp := range r.badPointers {
		fmt.Fprintf(out, "fsck: inode %d: content map names out-of-range block %d\n", bp.inum, bp.block)
	}
}

// check reads the image directly off disk (no buffer cache, no log -- a
// consistency check has to be able to run on an image the log hasn't
// recovered yet) and cross-references every in-use inode's content map
// against the bitmap.
func check(ctx context.Context, path string) (*report, error) {
	nSectors, err := imageSectors(path)
	if err != nil {
		return nil, err
	}

	dev, err := device.OpenFile(path, nSectors)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = dev.Close() }()

	sbBuf := make([]byte, super.BlockSize)
	if err := dev.ReadSector(ctx, 1, sbBuf); err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}

	sb, err := super.UnmarshalSuperblock(sbBuf)
	if err != nil {
		return nil, fmt.Errorf("decode superblock: %w", err)
	}

	layout := super.NewLayout(sb)

	used, err := readBitmap(ctx, dev, layout)
	if err != nil {
		return nil, err
	}

	claims := make(map[uint32][]uint32) // data block -> claiming inodes

	nInodeBlocks := (sb.NInodes + super.InodesPerBlock - 1) / super.InodesPerBlock

	r := &report{duplicated: map[uint32][]uint32{}}

	for inum := uint32(1); inum < sb.NInodes; inum++ {
		blk := layout.IBlock(inum)
		if blk >= layout.InodeStart+nInodeBlocks {
			break
		}

		buf := make([]byte, super.BlockSize)
		if err := dev.ReadSector(ctx, blk, buf); err != nil {
			return nil, fmt.Errorf("read inode block %d: %w", blk, err)
		}

		d, err := super.GetDinode(buf, inum)
		if err != nil {
			return nil, fmt.Errorf("decode inode %d: %w", inum, err)
		}

		if d.Type == super.TypeFree {
			continue
		}

		blocks, err := contentBlocks(ctx, dev, layout, d)
		if err != nil {
			return nil, fmt.Errorf("inode %d: %w", inum, err)
		}

		for _, b := range blocks {
			if b == 0 {
				continue
			}

			if b < layout.DataStart || b >= layout.LogStart {
				r.badPointers = append(r.badPointers, badPointer{inum: inum, block: b})

				continue
			}

			claims[b] = append(claims[b], inum)
		}
	}

	for b, inums := range claims {
		if len(inums) > 1 {
			r.duplicated[b] = inums
		}

		if !used[b-layout.DataStart] {
			r.lost = append(r.lost, b)
		}
	}

	for i, isUsed := range used {
		b := layout.DataStart + uint32(i)
		if isUsed && len(claims[b]) == 0 {
			r.leaked = append(r.leaked, b)
		}
	}

	return r, nil
}

// imageSectors derives the sector count an existing image file holds from
// its size, so OpenFile neither rejects every read (nSectors == 0) nor
// truncates/grows a file that's already the right size.
func imageSectors(path string) (uint32, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	return uint32(info.Size() / super.BlockSize), nil
}

// readBitmap returns a used[i] bool slice indexed by data block offset from
// layout.DataStart.
func readBitmap(ctx context.Context, dev device.Device, layout super.Layout) ([]bool, error) {
	used := make([]bool, layout.NBlocks)

	for base := uint32(0); base < layout.NBlocks; base += super.BitsPerBlock {
		bitBlock := layout.BBlock(base)

		buf := make([]byte, super.BlockSize)
		if err := dev.ReadSector(ctx, bitBlock, buf); err != nil {
			return nil, fmt.Errorf("read bitmap block %d: %w", bitBlock, err)
		}

		limit := base + super.BitsPerBlock
		if limit > layout.NBlocks {
			limit = layout.NBlocks
		}

		for bi := base; bi < limit; bi++ {
			byteIdx := (bi - base) / 8
			mask := byte(1) << ((bi - base) % 8)
			used[bi] = buf[byteIdx]&mask != 0
		}
	}

	return used, nil
}

// contentBlocks returns every data block number a dinode's content map
// names: its direct pointers plus, if present, the blocks named by its
// single indirect block (and the indirect block itself).
func contentBlocks(ctx context.Context, dev device.Device, layout super.Layout, d super.Dinode) ([]uint32, error) {
	blocks := make([]uint32, 0, super.NDirect+super.NIndirect+1)

	for _, a := range d.Addrs[:super.NDirect] {
		if a != 0 {
			blocks = append(blocks, a)
		}
	}

	indirect := d.Addrs[super.NDirect]
	if indirect == 0 {
		return blocks, nil
	}

	if indirect < layout.DataStart || indirect >= layout.LogStart {
		return append(blocks, indirect), nil
	}

	blocks = append(blocks, indirect)

	buf := make([]byte, super.BlockSize)
	if err := dev.ReadSector(ctx, indirect, buf); err != nil {
		return nil, fmt.Errorf("read indirect block %d: %w", indirect, err)
	}

	for i := 0; i < super.NIndirect; i++ {
		a := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		if a != 0 {
			blocks = append(blocks, a)
		}
	}

	return blocks, nil
}
