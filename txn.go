package xv6fs

import (
	"context"

	"github.com/calvinalkan/xv6fs/internal/bufcache"
	"github.com/calvinalkan/xv6fs/internal/dir"
	"github.com/calvinalkan/xv6fs/internal/inode"
	"github.com/calvinalkan/xv6fs/internal/pathres"
)

// Txn is one open log transaction (a begin_op/end_op pairing). Every
// mutating operation -- allocating an inode or block, writing file or
// directory content, linking a name -- must happen between FileSystem.Begin
// and Txn.Commit, since the write-ahead log only groups writes that occur
// while an operation is outstanding.
//
// A Txn is not safe for concurrent use by multiple goroutines; the
// underlying *xlog.Log coordinates multiple concurrent Txns against the
// same FileSystem, but a single Txn's own operations must be sequential,
// exactly as a single process's system calls are sequential between its own
// begin_op and end_op.
type Txn struct {
	fs *FileSystem
}

// Commit ends the transaction, committing every buffered write as one
// atomic group (the four-step commit protocol: write_log, write_head,
// install_trans, write_head again to erase).
func (tx *Txn) Commit(ctx context.Context) error {
	return tx.fs.log.EndOp(ctx)
}

// Rollback always fails: xlog's begin_op/end_op model has no abort path,
// matching the original kernel, where end_op unconditionally commits.
// Callers that can fail mid-transaction must still call Commit -- the log
// only ever contains what was actually Write'n through it -- or structure
// their operation so nothing needs undoing.
func (tx *Txn) Rollback(_ context.Context) error {
	return ErrRollbackUnsupported
}

// LogWrite marks buf as part of this transaction's write set. It will be
// absorbed into the transaction's logged sectors (deduplicating repeat
// writes to the same sector) and installed to its home location atomically
// with every other write in the transaction, on Commit.
func (tx *Txn) LogWrite(buf *bufcache.Buf) {
	tx.fs.log.Write(buf)
}

// Ialloc allocates a free on-disk inode of the given type and returns an
// Iget'd, unlocked reference to it.
func (tx *Txn) Ialloc(ctx context.Context, typ uint16) (*Inode, error) {
	return tx.fs.ic.Ialloc(ctx, typ)
}

// Iupdate persists ip's in-memory fields (Type, Major, Minor, NLink, Size,
// Addrs) to its on-disk inode. ip must be locked.
func (tx *Txn) Iupdate(ctx context.Context, ip *Inode) error {
	return tx.fs.ic.Iupdate(ctx, ip)
}

// Iget returns a cached, unlocked reference to inode inum, incrementing its
// reference count. The caller must Iput it when done.
func (tx *Txn) Iget(inum uint32) *Inode {
	return tx.fs.ic.Iget(inum)
}

// Idup increments ip's reference count and returns it.
func (tx *Txn) Idup(ip *Inode) *Inode {
	return tx.fs.ic.Idup(ip)
}

// Ilock locks ip, loading its on-disk content from disk on first lock.
// Blocks until ip is not busy, or ctx is canceled.
func (tx *Txn) Ilock(ctx context.Context, ip *Inode) error {
	return tx.fs.ic.Ilock(ctx, ip)
}

// Iunlock releases ip's lock without changing its reference count.
func (tx *Txn) Iunlock(ip *Inode) {
	tx.fs.ic.Iunlock(ip)
}

// Iput decrements ip's reference count, freeing the inode and its content
// (truncating to zero) if this was the last reference and NLink has
// dropped to zero.
func (tx *Txn) Iput(ctx context.Context, ip *Inode) error {
	return tx.fs.ic.Iput(ctx, ip)
}

// Iunlockput unlocks then Iputs ip; the common pattern at the end of a
// path-walking step.
func (tx *Txn) Iunlockput(ctx context.Context, ip *Inode) error {
	return tx.fs.ic.Iunlockput(ctx, ip)
}

// Stati copies stat information out of ip. ip must be locked.
func (tx *Txn) Stati(ip *Inode) Stat {
	return inode.Stati(ip)
}

// Itrunc discards ip's content and resets its size to zero. ip must be
// locked and have no remaining directory entries or other references.
func (tx *Txn) Itrunc(ctx context.Context, ip *Inode) error {
	return tx.fs.ic.Itrunc(ctx, ip)
}

// Readi reads len(dst) bytes from ip starting at off, clamped to ip.Size.
// ip must be locked.
func (tx *Txn) Readi(ctx context.Context, ip *Inode, dst []byte, off uint32) (int, error) {
	return tx.fs.ic.Readi(ctx, ip, dst, off)
}

// Writei writes len(src) bytes to ip starting at off, growing ip.Size if
// the write extends past the current end of file. ip must be locked.
func (tx *Txn) Writei(ctx context.Context, ip *Inode, src []byte, off uint32) (int, error) {
	return tx.fs.ic.Writei(ctx, ip, src, off)
}

// Dirlookup scans directory inode dp for name, returning an Iget'd
// reference to the target and its byte offset within dp on a match. dp
// must be locked and be a directory.
func (tx *Txn) Dirlookup(ctx context.Context, dp *Inode, name string) (*Inode, int64, bool, error) {
	return dir.Dirlookup(ctx, tx.fs.ic, dp, name)
}

// Dirlink writes a new (name, inum) entry into directory dp, reusing the
// first free slot if one exists. dp must be locked; returns ErrExist if
// name is already present.
func (tx *Txn) Dirlink(ctx context.Context, dp *Inode, name string, inum uint32) error {
	return dir.Dirlink(ctx, tx.fs.ic, dp, name, inum)
}

// Namei resolves path to its target inode, starting at cwd for a relative
// path (nil cwd is only valid for an absolute path).
func (tx *Txn) Namei(ctx context.Context, cwd *Inode, path string) (*Inode, error) {
	return pathres.Namei(ctx, tx.fs.ic, cwd, path)
}

// Nameiparent resolves path's parent directory, returning it (unlocked,
// referenced) along with path's final element name.
func (tx *Txn) Nameiparent(ctx context.Context, cwd *Inode, path string) (*Inode, string, error) {
	return pathres.Nameiparent(ctx, tx.fs.ic, cwd, path)
}
