package super

import (
	"encoding/binary"
	"fmt"
)

// Superblock describes the geometry of an xv6fs image. It occupies block 1
// and is read-only after Format writes it.
type Superblock struct {
	Size    uint32 // total blocks on the image
	NBlocks uint32 // number of data blocks
	NInodes uint32 // number of inodes
	NLog    uint32 // number of log blocks (header + payload)
}

// superblockWireSize is the encoded size of Superblock. It is well under
// BlockSize; the rest of block 1 is unused padding.
const superblockWireSize = 4 * 4

// Marshal encodes sb into a BlockSize-sized buffer suitable for writing to
// block 1 of the image.
func (sb Superblock) Marshal() []byte {
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], sb.Size)
	binary.LittleEndian.PutUint32(buf[4:8], sb.NBlocks)
	binary.LittleEndian.PutUint32(buf[8:12], sb.NInodes)
	binary.LittleEndian.PutUint32(buf[12:16], sb.NLog)

	return buf
}

// UnmarshalSuperblock decodes a superblock previously written by Marshal.
func UnmarshalSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < superblockWireSize {
		return Superblock{}, fmt.Errorf("superblock: short buffer: %d bytes", len(buf))
	}

	return Superblock{
		Size:    binary.LittleEndian.Uint32(buf[0:4]),
		NBlocks: binary.LittleEndian.Uint32(buf[4:8]),
		NInodes: binary.LittleEndian.Uint32(buf[8:12]),
		NLog:    binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// Layout derives the fixed region boundaries implied by a superblock:
//
//	0               boot (unused)
//	1               superblock
//	2..InodeStart+n  inode blocks
//	BitmapStart..    bitmap blocks
//	DataStart..      data blocks
//	LogStart..Size   log: [header][payload...]
type Layout struct {
	Superblock

	InodeStart  uint32
	BitmapStart uint32
	DataStart   uint32
	LogStart    uint32
}

// NewLayout computes region boundaries for sb. It does not validate that the
// regions fit within sb.Size; callers that format a fresh image should use
// ComputeSize to pick a consistent Size first.
func NewLayout(sb Superblock) Layout {
	nInodeBlocks := (sb.NInodes + InodesPerBlock - 1) / InodesPerBlock
	nBitmapBlocks := (sb.NBlocks + BitsPerBlock - 1) / BitsPerBlock

	inodeStart := uint32(2)
	bitmapStart := inodeStart + nInodeBlocks
	dataStart := bitmapStart + nBitmapBlocks
	logStart := sb.Size - sb.NLog

	return Layout{
		Superblock:  sb,
		InodeStart:  inodeStart,
		BitmapStart: bitmapStart,
		DataStart:   dataStart,
		LogStart:    logStart,
	}
}

// ComputeSize returns the total image size in blocks for the given data
// block count, inode count, and log size, including boot+superblock, inode
// blocks, bitmap blocks, and the log region.
func ComputeSize(nBlocks, nInodes, nLog uint32) uint32 {
	nInodeBlocks := (nInodes + InodesPerBlock - 1) / InodesPerBlock
	nBitmapBlocks := (nBlocks + BitsPerBlock - 1) / BitsPerBlock

	return 2 + nInodeBlocks + nBitmapBlocks + nBlocks + nLog
}

// IBlock returns the block holding inode inum under this layout.
func (l Layout) IBlock(inum uint32) uint32 {
	return IBlock(inum, l.InodeStart)
}

// BBlock returns the bitmap block describing data block b under this
// layout. b is relative to DataStart, not an absolute block number.
func (l Layout) BBlock(b uint32) uint32 {
	return BBlock(b, l.BitmapStart)
}

// Dinode is the on-disk inode record. IPB (InodesPerBlock) of these are
// packed per inode block.
type Dinode struct {
	Type  uint16
	Major uint16
	Minor uint16
	NLink uint16
	Size  uint32
	Addrs [NDirect + 1]uint32
}

// DinodeSize is the encoded size of one Dinode record.
const DinodeSize = 2 + 2 + 2 + 2 + 4 + (NDirect+1)*4

// Marshal encodes d into a DinodeSize-byte buffer.
func (d Dinode) Marshal() []byte {
	buf := make([]byte, DinodeSize)
	binary.LittleEndian.PutUint16(buf[0:2], d.Type)
	binary.LittleEndian.PutUint16(buf[2:4], d.Major)
	binary.LittleEndian.PutUint16(buf[4:6], d.Minor)
	binary.LittleEndian.PutUint16(buf[6:8], d.NLink)
	binary.LittleEndian.PutUint32(buf[8:12], d.Size)

	off := 12
	for _, a := range d.Addrs {
		binary.LittleEndian.PutUint32(buf[off:off+4], a)
		off += 4
	}

	return buf
}

// UnmarshalDinode decodes a Dinode previously written by Marshal.
func UnmarshalDinode(buf []byte) (Dinode, error) {
	if len(buf) < DinodeSize {
		return Dinode{}, fmt.Errorf("dinode: short buffer: %d bytes", len(buf))
	}

	d := Dinode{
		Type:  binary.LittleEndian.Uint16(buf[0:2]),
		Major: binary.LittleEndian.Uint16(buf[2:4]),
		Minor: binary.LittleEndian.Uint16(buf[4:6]),
		NLink: binary.LittleEndian.Uint16(buf[6:8]),
		Size:  binary.LittleEndian.Uint32(buf[8:12]),
	}

	off := 12
	for i := range d.Addrs {
		d.Addrs[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}

	return d, nil
}

// PutDinode writes d's encoding into the inode block buffer blk at inode
// inum's slot.
func PutDinode(blk []byte, inum uint32, d Dinode) {
	slot := int(inum % InodesPerBlock)
	copy(blk[slot*DinodeSize:(slot+1)*DinodeSize], d.Marshal())
}

// GetDinode reads the dinode at inum's slot out of inode block buffer blk.
func GetDinode(blk []byte, inum uint32) (Dinode, error) {
	slot := int(inum % InodesPerBlock)

	return UnmarshalDinode(blk[slot*DinodeSize : (slot+1)*DinodeSize])
}

// Dirent is one fixed-size directory entry. Inum == 0 marks a free slot.
type Dirent struct {
	Inum uint16
	Name [DirSiz]byte
}

// DirentSize is the encoded size of one Dirent record.
const DirentSize = 2 + DirSiz

// Marshal encodes e into a DirentSize-byte buffer.
func (e Dirent) Marshal() []byte {
	buf := make([]byte, DirentSize)
	binary.LittleEndian.PutUint16(buf[0:2], e.Inum)
	copy(buf[2:], e.Name[:])

	return buf
}

// UnmarshalDirent decodes a Dirent previously written by Marshal.
func UnmarshalDirent(buf []byte) (Dirent, error) {
	if len(buf) < DirentSize {
		return Dirent{}, fmt.Errorf("dirent: short buffer: %d bytes", len(buf))
	}

	e := Dirent{Inum: binary.LittleEndian.Uint16(buf[0:2])}
	copy(e.Name[:], buf[2:DirentSize])

	return e, nil
}

// NameString returns name as a Go string, stopping at the first NUL byte if
// present. A name that fills all DirSiz bytes has no terminator, matching
// the original xv6 directory-entry format.
func (e Dirent) NameString() string {
	for i, b := range e.Name {
		if b == 0 {
			return string(e.Name[:i])
		}
	}

	return string(e.Name[:])
}

// SetName copies name into e.Name, truncating a name longer than DirSiz
// bytes to DirSiz, storing a name of DirSiz or more bytes without a NUL
// terminator, and NUL-padding a shorter one. This
// mirrors strncpy(de.name, name, DIRSIZ) in the original implementation.
func (e *Dirent) SetName(name string) {
	for i := range e.Name {
		e.Name[i] = 0
	}

	copy(e.Name[:], name)
}

// LogHeader is the on-disk/in-memory log header: the number of valid
// logged sectors and their destination sector numbers.
type LogHeader struct {
	N      int32
	Sector [LogSize]int32
}

// Marshal encodes h into a BlockSize-sized buffer for writing to the log's
// header block.
func (h LogHeader) Marshal() []byte {
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.N))

	off := 4
	for _, s := range h.Sector {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(s))
		off += 4
	}

	return buf
}

// UnmarshalLogHeader decodes a LogHeader previously written by Marshal.
func UnmarshalLogHeader(buf []byte) (LogHeader, error) {
	wireSize := 4 + LogSize*4
	if len(buf) < wireSize {
		return LogHeader{}, fmt.Errorf("log header: short buffer: %d bytes", len(buf))
	}

	h := LogHeader{N: int32(binary.LittleEndian.Uint32(buf[0:4]))}

	off := 4
	for i := range h.Sector {
		h.Sector[i] = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}

	return h, nil
}
