// Package alloc implements the bitmap-backed data block allocator (L3):
// Balloc finds and zero-fills a free block, Bfree returns one to the pool.
// Both mutate the bitmap through the log, so allocation and free are each
// atomic with respect to a crash.
//
// Ported from pdos/xv6-comment's fs.c balloc/bfree; the free-bit scan uses
// math/bits.TrailingZeros8 instead of the original's bit-at-a-time shift
// loop.
package alloc

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/calvinalkan/xv6fs/internal/bufcache"
	"github.com/calvinalkan/xv6fs/internal/super"
	"github.com/calvinalkan/xv6fs/internal/xlog"
)

// Balloc finds the lowest-numbered free data block, marks it used in the
// bitmap, zero-fills its contents, and returns its block number. Both the
// bitmap update and the zero-fill go through log, a caller's already-open
// transaction (log.BeginOp must have been called), so a crash mid-Balloc
// never leaves a block marked allocated with garbage contents, or zeroed but
// not marked allocated.
//
// The bitmap covers exactly layout.NBlocks bits -- one per data block, bit i
// standing for absolute block layout.DataStart+i -- rather than one bit per
// block on the whole image; boot, superblock, inode, and log blocks sit
// outside [DataStart, DataStart+NBlocks) by construction and never need a
// bit of their own. Balloc therefore scans relative bit offsets [0,NBlocks)
// and always returns an absolute block number offset by DataStart, so it
// never hands out 0 (or any other metadata block).
func Balloc(ctx context.Context, log *xlog.Log, bc *bufcache.Cache, dev uint32, layout super.Layout) (uint32, error) {
	for base := uint32(0); base < layout.NBlocks; base += super.BitsPerBlock {
		bitBlock := layout.BBlock(base)

		bp, err := bc.Get(ctx, dev, bitBlock)
		if err != nil {
			return 0, fmt.Errorf("alloc: read bitmap block %d: %w", bitBlock, err)
		}

		limit := base + super.BitsPerBlock
		if limit > layout.NBlocks {
			limit = layout.NBlocks
		}

		bi, ok := firstFreeBit(bp.Data, base, limit)
		if !ok {
			bp.Release()

			continue
		}

		byteIdx := (bi - base) / 8
		mask := byte(1) << ((bi - base) % 8)
		bp.Data[byteIdx] |= mask

		log.Write(bp)
		bp.Release()

		found := layout.DataStart + bi

		if err := bzero(ctx, log, bc, dev, found); err != nil {
			return 0, err
		}

		return found, nil
	}

	return 0, ErrOutOfBlocks
}

// firstFreeBit scans data's bits covering [base, limit) and returns the
// relative bit offset of the first clear bit. Fully used bytes (0xFF) are
// skipped whole; in the first byte with a free bit, bits.TrailingZeros8 of
// the inverted byte locates it.
func firstFreeBit(data []byte, base, limit uint32) (uint32, bool) {
	nBytes := (limit - base + 7) / 8

	for byteIdx := uint32(0); byteIdx < nBytes; byteIdx++ {
		b := data[byteIdx]
		if b == 0xFF {
			continue
		}

		off := bits.TrailingZeros8(^b)
		bi := base + byteIdx*8 + uint32(off)

		if bi >= limit {
			continue
		}

		return bi, true
	}

	return 0, false
}

// bzero zero-fills data block b through the log.
func bzero(ctx context.Context, log *xlog.Log, bc *bufcache.Cache, dev uint32, b uint32) error {
	bp, err := bc.Get(ctx, dev, b)
	if err != nil {
		return fmt.Errorf("alloc: read block %d to zero: %w", b, err)
	}
	defer bp.Release()

	for i := range bp.Data {
		bp.Data[i] = 0
	}

	log.Write(bp)

	return nil
}

// Bfree marks data block b (an absolute block number, as returned by
// Balloc) free in the bitmap. Freeing an already-free block is a
// bitmap-consistency violation the original treats as a panic; this port
// does the same via FatalError.
func Bfree(ctx context.Context, log *xlog.Log, bc *bufcache.Cache, dev uint32, layout super.Layout, b uint32) error {
	rel := b - layout.DataStart
	bitBlock := layout.BBlock(rel)

	bp, err := bc.Get(ctx, dev, bitBlock)
	if err != nil {
		return fmt.Errorf("alloc: read bitmap block %d: %w", bitBlock, err)
	}
	defer bp.Release()

	bi := rel % super.BitsPerBlock
	byteIdx := bi / 8
	mask := byte(1) << (bi % 8)

	if bp.Data[byteIdx]&mask == 0 {
		fatalf("freeing free block %d", b)
	}

	bp.Data[byteIdx] &^= mask
	log.Write(bp)

	return nil
}
