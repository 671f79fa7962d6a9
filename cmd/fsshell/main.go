// Command fsshell is an interactive REPL over a mounted xv6fs image,
// supporting ls, cat, mkdir, ln, and stat. One log transaction wraps each
// command -- there is no outstanding cross-command transaction, mirroring
// how a real shell's builtins each make their own independent system calls.
//
// Usage:
//
//	fsshell --image disk.img
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/xv6fs"
	"github.com/calvinalkan/xv6fs/internal/device"
	"github.com/calvinalkan/xv6fs/internal/super"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fsshell: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("fatal: %v", r)
		}
	}()

	flagSet := flag.NewFlagSet("fsshell", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)

	imagePath := flagSet.StringP("image", "i", "", "path of the image file to mount")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if *imagePath == "" {
		return fmt.Errorf("--image is required")
	}

	info, err := os.Stat(*imagePath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", *imagePath, err)
	}

	nSectors := uint32(info.Size() / super.BlockSize)

	dev, err := device.OpenFile(*imagePath, nSectors)
	if err != nil {
		return fmt.Errorf("open %s: %w", *imagePath, err)
	}
	defer func() { _ = dev.Close() }()

	ctx := context.Background()

	fsys, err := xv6fs.Open(ctx, dev, nil)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	defer func() { _ = fsys.Close() }()

	sh := &shell{ctx: ctx, fs: fsys, cwdPath: "/"}

	return sh.run()
}

// shell is the interactive command loop. cwdPath is tracked only for the
// prompt and for resolving relative paths; it is always re-resolved to an
// inode through Namei before each command, never cached as a stale
// reference across commands.
type shell struct {
	ctx     context.Context
	fs      *xv6fs.FileSystem
	liner   *liner.State
	cwdPath string
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".fsshell_history")
}

func (sh *shell) run() error {
	sh.liner = liner.NewLiner()
	defer sh.liner.Close()

	sh.liner.SetCtrlCAborts(true)
	sh.liner.SetCompleter(sh.completer)

	if f, err := os.Open(historyFile()); err == nil {
		sh.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("fsshell - xv6fs shell")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := sh.liner.Prompt(fmt.Sprintf("fsshell:%s> ", sh.cwdPath))
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		sh.liner.AppendHistory(line)

		fields := strings.Fields(line)
		cmd := strings.ToLower(fields[0])
		args := fields[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			sh.saveHistory()

			return nil

		case "help", "?":
			sh.printHelp()

		case "ls":
			sh.run_(sh.cmdLs, args)

		case "cat":
			sh.run_(sh.cmdCat, args)

		case "mkdir":
			sh.run_(sh.cmdMkdir, args)

		case "ln":
			sh.run_(sh.cmdLn, args)

		case "stat":
			sh.run_(sh.cmdStat, args)

		case "cd":
			sh.run_(sh.cmdCd, args)

		default:
			fmt.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	sh.saveHistory()

	return nil
}

func (sh *shell) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			sh.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (sh *shell) completer(line string) []string {
	commands := []string{"ls", "cat", "mkdir", "ln", "stat", "cd", "help", "exit", "quit", "q"}

	var completions []string

	lower := strings.ToLower(line)

	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			completions = append(completions, c)
		}
	}

	return completions
}

func (sh *shell) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  ls [path]             List a directory's entries")
	fmt.Println("  cat <path>            Print a file's contents")
	fmt.Println("  mkdir <path>          Create a directory")
	fmt.Println("  ln <target> <path>    Link an existing inode number at path")
	fmt.Println("  stat <path>           Show inode metadata")
	fmt.Println("  cd <path>             Change the shell's working directory")
	fmt.Println("  help                  Show this help")
	fmt.Println("  exit / quit / q       Exit")
}

// run_ wraps a command in one Begin/Commit transaction and prints any
// error returned, so individual command bodies can just return an error.
func (sh *shell) run_(fn func(tx *xv6fs.Txn, args []string) error, args []string) {
	tx, err := sh.fs.Begin(sh.ctx)
	if err != nil {
		fmt.Printf("error: begin: %v\n", err)

		return
	}

	if err := fn(tx, args); err != nil {
		fmt.Printf("error: %v\n", err)
	}

	if err := tx.Commit(sh.ctx); err != nil {
		fmt.Printf("error: commit: %v\n", err)
	}
}

// resolve walks path relative to the shell's current directory (absolute
// paths ignore it), returning an Iget'd, unlocked inode the caller must
// Iput.
func (sh *shell) resolve(tx *xv6fs.Txn, path string) (*xv6fs.Inode, error) {
	cwd, err := tx.Namei(sh.ctx, nil, sh.cwdPath)
	if err != nil {
		return nil, fmt.Errorf("resolve cwd %s: %w", sh.cwdPath, err)
	}

	target, err := tx.Namei(sh.ctx, cwd, path)

	if putErr := tx.Iput(sh.ctx, cwd); putErr != nil && err == nil {
		err = putErr
	}

	return target, err
}

func (sh *shell) cmdLs(tx *xv6fs.Txn, args []string) error {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}

	dir, err := sh.resolve(tx, path)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Iput(sh.ctx, dir) }()

	if err := tx.Ilock(sh.ctx, dir); err != nil {
		return err
	}
	defer tx.Iunlock(dir)

	st := tx.Stati(dir)
	if st.Type != super.TypeDir {
		return fmt.Errorf("%s: not a directory", path)
	}

	names := make([]string, 0, st.Size/uint32(super.DirentSize))

	buf := make([]byte, super.DirentSize)

	for off := uint32(0); off < st.Size; off += uint32(super.DirentSize) {
		n, err := tx.Readi(sh.ctx, dir, buf, off)
		if err != nil {
			return fmt.Errorf("read entry at %d: %w", off, err)
		}

		if n < super.DirentSize {
			break
		}

		e, err := super.UnmarshalDirent(buf)
		if err != nil {
			return fmt.Errorf("decode entry at %d: %w", off, err)
		}

		if e.Inum == 0 {
			continue
		}

		names = append(names, strings.TrimRight(string(e.Name[:]), "\x00"))
	}

	printColumns(names)

	return nil
}

// printColumns lays names out left-to-right in fixed-width columns sized by
// display width (not byte length), so multi-byte names still align.
func printColumns(names []string) {
	const colWidth = 16

	width := 0
	for _, n := range names {
		if w := runewidth.StringWidth(n); w > width {
			width = w
		}
	}

	if width == 0 {
		return
	}

	perLine := 80 / (width + 2)
	if perLine < 1 {
		perLine = 1
	}

	for i, n := range names {
		fmt.Print(n + strings.Repeat(" ", colWidth-runewidth.StringWidth(n)))

		if (i+1)%perLine == 0 {
			fmt.Println()
		}
	}

	if len(names)%perLine != 0 {
		fmt.Println()
	}
}

func (sh *shell) cmdCat(tx *xv6fs.Txn, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cat <path>")
	}

	ip, err := sh.resolve(tx, args[0])
	if err != nil {
		return err
	}
	defer func() { _ = tx.Iput(sh.ctx, ip) }()

	if err := tx.Ilock(sh.ctx, ip); err != nil {
		return err
	}
	defer tx.Iunlock(ip)

	st := tx.Stati(ip)
	if st.Type == super.TypeDir {
		return fmt.Errorf("%s: is a directory", args[0])
	}

	buf := make([]byte, super.BlockSize)

	for off := uint32(0); off < st.Size; {
		want := len(buf)
		if remain := int(st.Size - off); remain < want {
			want = remain
		}

		n, err := tx.Readi(sh.ctx, ip, buf[:want], off)
		if err != nil {
			return fmt.Errorf("read at %d: %w", off, err)
		}

		if n == 0 {
			break
		}

		os.Stdout.Write(buf[:n])

		off += uint32(n)
	}

	return nil
}

func (sh *shell) cmdMkdir(tx *xv6fs.Txn, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mkdir <path>")
	}

	dp, name, err := tx.Nameiparent(sh.ctx, nil, joinCwd(sh.cwdPath, args[0]))
	if err != nil {
		return err
	}
	defer func() { _ = tx.Iput(sh.ctx, dp) }()

	if err := tx.Ilock(sh.ctx, dp); err != nil {
		return err
	}

	child, err := tx.Ialloc(sh.ctx, super.TypeDir)
	if err != nil {
		tx.Iunlock(dp)

		return err
	}

	if err := tx.Ilock(sh.ctx, child); err != nil {
		tx.Iunlock(dp)

		return err
	}

	child.NLink = 1

	if err := tx.Iupdate(sh.ctx, child); err != nil {
		tx.Iunlock(child)
		tx.Iunlock(dp)

		return err
	}

	if err := tx.Dirlink(sh.ctx, child, ".", child.Inum); err != nil {
		tx.Iunlock(child)
		tx.Iunlock(dp)

		return err
	}

	if err := tx.Dirlink(sh.ctx, child, "..", dp.Inum); err != nil {
		tx.Iunlock(child)
		tx.Iunlock(dp)

		return err
	}

	tx.Iunlock(child)

	if err := tx.Dirlink(sh.ctx, dp, name, child.Inum); err != nil {
		tx.Iunlock(dp)

		return err
	}

	tx.Iunlock(dp)

	return tx.Iput(sh.ctx, child)
}

func (sh *shell) cmdLn(tx *xv6fs.Txn, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ln <inode-number> <path>")
	}

	inum, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid inode number %q: %w", args[0], err)
	}

	dp, name, err := tx.Nameiparent(sh.ctx, nil, joinCwd(sh.cwdPath, args[1]))
	if err != nil {
		return err
	}
	defer func() { _ = tx.Iput(sh.ctx, dp) }()

	if err := tx.Ilock(sh.ctx, dp); err != nil {
		return err
	}
	defer tx.Iunlock(dp)

	target := tx.Iget(uint32(inum))
	defer func() { _ = tx.Iput(sh.ctx, target) }()

	if err := tx.Ilock(sh.ctx, target); err != nil {
		return err
	}

	target.NLink++
	err = tx.Iupdate(sh.ctx, target)
	tx.Iunlock(target)

	if err != nil {
		return err
	}

	return tx.Dirlink(sh.ctx, dp, name, uint32(inum))
}

func (sh *shell) cmdStat(tx *xv6fs.Txn, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: stat <path>")
	}

	ip, err := sh.resolve(tx, args[0])
	if err != nil {
		return err
	}
	defer func() { _ = tx.Iput(sh.ctx, ip) }()

	if err := tx.Ilock(sh.ctx, ip); err != nil {
		return err
	}
	defer tx.Iunlock(ip)

	st := tx.Stati(ip)

	fmt.Printf("inode %d: type=%s nlink=%d size=%d\n", st.Inum, typeName(st.Type), st.NLink, st.Size)

	return nil
}

func (sh *shell) cmdCd(tx *xv6fs.Txn, args []string) error {
	path := "/"
	if len(args) > 0 {
		path = args[0]
	}

	target, err := sh.resolve(tx, path)
	if err != nil {
		return err
	}

	if err := tx.Ilock(sh.ctx, target); err != nil {
		_ = tx.Iput(sh.ctx, target)

		return err
	}

	st := tx.Stati(target)
	tx.Iunlock(target)

	if err := tx.Iput(sh.ctx, target); err != nil {
		return err
	}

	if st.Type != super.TypeDir {
		return fmt.Errorf("%s: not a directory", path)
	}

	sh.cwdPath = joinCwd(sh.cwdPath, path)

	return nil
}

func joinCwd(cwd, path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}

	if cwd == "/" {
		return "/" + path
	}

	return cwd + "/" + path
}

func typeName(t uint16) string {
	switch t {
	case super.TypeFile:
		return "file"
	case super.TypeDir:
		return "dir"
	case super.TypeDev:
		return "dev"
	default:
		return "free"
	}
}
