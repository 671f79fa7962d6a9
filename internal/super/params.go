// Package super defines the on-disk layout of an xv6fs image: the tunable
// size parameters, the superblock, the on-disk inode ("dinode"), and the
// directory entry wire format. Nothing in this package touches I/O; it only
// describes bytes.
package super

// Tuning parameters. These mirror the xv6 kernel's param.h/fs.h constants;
// they're the knobs a real deployment would change to trade inode-table size
// against bitmap/log size.
const (
	// BlockSize is the size in bytes of every block on the image, including
	// the superblock, bitmap blocks, dinode blocks, log blocks, and data
	// blocks.
	BlockSize = 512

	// NDirect is the number of direct block pointers in a dinode.
	NDirect = 12

	// NIndirect is the number of block pointers reachable through the
	// single indirect block, i.e. how many uint32 sector numbers fit in one
	// block.
	NIndirect = BlockSize / 4

	// MaxFile is the largest file size in blocks: direct blocks plus the
	// blocks reachable through the one indirect block.
	MaxFile = NDirect + NIndirect

	// LogSize bounds how many distinct sectors a single transaction may
	// touch. It must be >= MaxOpBlocks. On an image whose log region has
	// fewer than LogSize payload blocks, the bound is NLog-1 instead.
	LogSize = 30

	// MaxOpBlocks is the pessimistic upper bound on the number of distinct
	// blocks a single operation (one begin_op/end_op pair) may write. It is
	// used by BeginOp to decide whether the log has room for one more
	// concurrent operation.
	MaxOpBlocks = 10

	// NInode is the number of slots in the in-memory inode cache.
	NInode = 50

	// DirSiz is the maximum length, in bytes, of one path component /
	// directory entry name.
	DirSiz = 14

	// RootDev is the device number of the root filesystem. xv6fs is
	// single-device, so this is also the only valid device number.
	RootDev = 1

	// RootIno is the inode number of the root directory, "/".
	RootIno = 1

	// InodesPerBlock is how many on-disk inodes fit in one block.
	InodesPerBlock = BlockSize / DinodeSize

	// BitsPerBlock is how many bitmap bits (i.e. data blocks) one bitmap
	// block can describe.
	BitsPerBlock = BlockSize * 8

	// NBuf is the number of slots in the buffer cache. The spec treats the
	// buffer cache as an external collaborator with an unspecified size;
	// this is the engineering default used by xv6fs's own implementation.
	NBuf = 64
)

// Inode types, stored in Dinode.Type. Zero means "free."
const (
	TypeFree = 0
	TypeFile = 1
	TypeDir  = 2
	TypeDev  = 3
)

// Console is the major number of the console device in the device-switch
// table (see DevSwitch).
const Console = 1

// IBlock returns the block number holding inode number inum, given the
// first inode block on the image.
func IBlock(inum uint32, firstInodeBlock uint32) uint32 {
	return firstInodeBlock + inum/InodesPerBlock
}

// BBlock returns the bitmap block number that describes data block b, given
// the first bitmap block on the image. b is a bit offset relative to the
// start of the data region (0 == the first data block), not an absolute
// block number -- the bitmap has exactly one bit per data block, not one
// per block on the whole image.
func BBlock(b uint32, firstBitmapBlock uint32) uint32 {
	return firstBitmapBlock + b/BitsPerBlock
}
