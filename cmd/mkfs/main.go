// Command mkfs formats a fresh xv6fs image: it writes the superblock,
// zeroes the inode and bitmap regions, and seeds the root directory (inode
// 1) with "." and ".." entries pointing at itself.
//
// Usage:
//
//	mkfs --out disk.img [--blocks 1024] [--inodes 200] [--log 31] [--config profile.hujson]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/xv6fs"
	"github.com/calvinalkan/xv6fs/internal/device"
	"github.com/calvinalkan/xv6fs/internal/super"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
}

// profile is the optional HuJSON config file shape, for scripted mkfs
// invocations that want to pin an image's geometry without a long flag
// line. Ported from the teacher's own hujson-based Config (config.go):
// defaults, then file, then explicit CLI flags win.
type profile struct {
	Blocks uint32 `json:"blocks,omitempty"`
	Inodes uint32 `json:"inodes,omitempty"`
	Log    uint32 `json:"log,omitempty"`
}

func run(args []string, stdout, stderr *os.File) error {
	flagSet := flag.NewFlagSet("mkfs", flag.ContinueOnError)
	flagSet.SetOutput(stderr)

	out := flagSet.StringP("out", "o", "", "path of the image file to create")
	blocks := flagSet.Uint32("blocks", 1024, "number of data blocks")
	inodes := flagSet.Uint32("inodes", 200, "number of inodes")
	logBlocks := flagSet.Uint32("log", super.LogSize+1, "number of log blocks (header + payload)")
	configPath := flagSet.String("config", "", "optional HuJSON profile overriding blocks/inodes/log")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if *out == "" {
		return fmt.Errorf("--out is required")
	}

	if *configPath != "" {
		p, err := loadProfile(*configPath)
		if err != nil {
			return err
		}

		if p.Blocks != 0 {
			*blocks = p.Blocks
		}

		if p.Inodes != 0 {
			*inodes = p.Inodes
		}

		if p.Log != 0 {
			*logBlocks = p.Log
		}
	}

	ctx := context.Background()

	if err := format(ctx, *out, *blocks, *inodes, *logBlocks); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "mkfs: formatted %s: %d blocks, %d inodes, %d log blocks\n", *out, *blocks, *inodes, *logBlocks)

	return nil
}

func loadProfile(path string) (profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return profile{}, fmt.Errorf("read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return profile{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	var p profile

	if err := json.Unmarshal(standardized, &p); err != nil {
		return profile{}, fmt.Errorf("decode config %s: %w", path, err)
	}

	return p, nil
}

// format writes a fresh image to path (atomically -- a crash mid-write
// never leaves a half-formatted image visible under the final name), then
// mounts it and seeds the root directory through the normal log-backed
// write path.
func format(ctx context.Context, path string, nBlocks, nInodes, nLog uint32) error {
	sb := super.Superblock{NBlocks: nBlocks, NInodes: nInodes, NLog: nLog}
	sb.Size = super.ComputeSize(nBlocks, nInodes, nLog)

	if err := writeBlankImage(path, sb); err != nil {
		return err
	}

	dev, err := device.OpenFile(path, sb.Size)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	fsys, err := xv6fs.Open(ctx, dev, nil)
	if err != nil {
		_ = dev.Close()

		return fmt.Errorf("open filesystem: %w", err)
	}

	defer func() { _ = fsys.Close() }()

	return seedRoot(ctx, fsys)
}

// writeBlankImage builds the superblock-plus-zeroed-regions image in memory
// and writes it to path in one atomic rename, the same write-to-temp-then-
// rename discipline the teacher uses for its WAL footer and ticket files
// (internal/ticket/ticket.go, lock.go), so a crash mid-format never leaves a
// half-written image visible under the final name.
func writeBlankImage(path string, sb super.Superblock) error {
	buf := make([]byte, int64(sb.Size)*super.BlockSize)
	copy(buf[super.BlockSize:2*super.BlockSize], sb.Marshal())

	return atomic.WriteFile(path, bytes.NewReader(buf))
}

func seedRoot(ctx context.Context, fsys *xv6fs.FileSystem) error {
	tx, err := fsys.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	root, err := tx.Ialloc(ctx, super.TypeDir)
	if err != nil {
		return fmt.Errorf("ialloc root: %w", err)
	}

	if root.Inum != super.RootIno {
		return fmt.Errorf("first inode allocated was %d, want root inode %d", root.Inum, super.RootIno)
	}

	if err := tx.Ilock(ctx, root); err != nil {
		return fmt.Errorf("ilock root: %w", err)
	}

	root.NLink = 1

	if err := tx.Iupdate(ctx, root); err != nil {
		return fmt.Errorf("iupdate root: %w", err)
	}

	if err := tx.Dirlink(ctx, root, ".", root.Inum); err != nil {
		return fmt.Errorf("dirlink .: %w", err)
	}

	if err := tx.Dirlink(ctx, root, "..", root.Inum); err != nil {
		return fmt.Errorf("dirlink ..: %w", err)
	}

	tx.Iunlock(root)

	return tx.Commit(ctx)
}
