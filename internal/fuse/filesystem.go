package fuse

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/driveftp/internal/logging"
	"github.com/objectfs/driveftp/internal/vfs"
	"github.com/objectfs/driveftp/pkg/errors"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// FileSystem serves a vfs.View through FUSE.
type FileSystem struct {
	view   *vfs.View
	config *Config
	logger *zap.Logger
	stats  Stats
}

// Config represents FUSE filesystem configuration
type Config struct {
	ReadOnly bool `yaml:"read_only"`

	// Filesystem behavior
	UID      uint32 `yaml:"uid"`
	GID      uint32 `yaml:"gid"`
	FileMode uint32 `yaml:"file_mode"`
	DirMode  uint32 `yaml:"dir_mode"`

	// Kernel attribute caching
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// Stats tracks filesystem operation statistics
type Stats struct {
	Lookups      atomic.Int64
	Opens        atomic.Int64
	Reads        atomic.Int64
	Writes       atomic.Int64
	BytesRead    atomic.Int64
	BytesWritten atomic.Int64
	Errors       atomic.Int64
}

// FilesystemStats is a snapshot of Stats.
type FilesystemStats struct {
	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

// NewFileSystem creates a new FUSE filesystem instance
func NewFileSystem(view *vfs.View, config *Config, logger *zap.Logger) *FileSystem {
	if config == nil {
		config = &Config{
			UID:          safeIntToUint32(os.Getuid()),
			GID:          safeIntToUint32(os.Getgid()),
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		}
	}
	if config.FileMode == 0 {
		config.FileMode = 0644
	}
	if config.DirMode == 0 {
		config.DirMode = 0755
	}
	return &FileSystem{
		view:   view,
		config: config,
		logger: logging.OrNop(logger).With(zap.String("component", "fuse")),
	}
}

// Root returns the node of the view's home directory.
func (f *FileSystem) Root(ctx context.Context) (*Node, error) {
	home, err := f.view.HomeDirectory(ctx)
	if err != nil {
		return nil, err
	}
	return &Node{fs: f, handle: home}, nil
}

// GetStats returns current filesystem statistics
func (f *FileSystem) GetStats() *FilesystemStats {
	return &FilesystemStats{
		Lookups:      f.stats.Lookups.Load(),
		Opens:        f.stats.Opens.Load(),
		Reads:        f.stats.Reads.Load(),
		Writes:       f.stats.Writes.Load(),
		BytesRead:    f.stats.BytesRead.Load(),
		BytesWritten: f.stats.BytesWritten.Load(),
		Errors:       f.stats.Errors.Load(),
	}
}

// errno logs err and maps it to the closest errno.
func (f *FileSystem) errno(op string, h *vfs.Handle, err error) syscall.Errno {
	errno := toErrno(err)
	if errno == syscall.EIO {
		f.stats.Errors.Add(1)
		f.logger.Warn("fuse operation failed", zap.String("op", op), zap.String("path", h.Path()), zap.Error(err))
	} else {
		f.logger.Debug("fuse operation rejected", zap.String("op", op), zap.String("path", h.Path()), zap.Error(err))
	}
	return errno
}

func toErrno(err error) syscall.Errno {
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound, errors.ErrCodeEntryNotFound:
		return syscall.ENOENT
	case errors.ErrCodeNotDirectory:
		return syscall.ENOTDIR
	case errors.ErrCodeIsDirectory:
		return syscall.EISDIR
	case errors.ErrCodeNotEmpty:
		return syscall.ENOTEMPTY
	case errors.ErrCodeAlreadyExists:
		return syscall.EEXIST
	case errors.ErrCodePathInvalid, errors.ErrCodeInvalidPatch:
		return syscall.EINVAL
	case errors.ErrCodeAccessDenied:
		return syscall.EACCES
	case errors.ErrCodeUnsupported:
		return syscall.ENOTSUP
	case errors.ErrCodeOperationTimeout:
		return syscall.ETIMEDOUT
	default:
		return syscall.EIO
	}
}

// Node is a file or directory backed by a view handle.
type Node struct {
	fs.Inode

	fs     *FileSystem
	mu     sync.Mutex
	handle *vfs.Handle
}

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
)

func (n *Node) current() *vfs.Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handle
}

// Lookup looks up a child node by name
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fs.stats.Lookups.Add(1)

	h := n.current()
	child, err := h.Lookup(ctx, name)
	if err != nil {
		return nil, n.fs.errno("lookup", h, err)
	}
	if !child.Exists() {
		return nil, syscall.ENOENT
	}
	return n.newChild(ctx, child, out), 0
}

// Readdir reads directory contents
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	h := n.current()
	children, err := h.List(ctx)
	if err != nil {
		return nil, n.fs.errno("readdir", h, err)
	}

	entries := make([]fuse.DirEntry, 0, len(children))
	for _, c := range children {
		mode := uint32(fuse.S_IFREG)
		if c.IsDirectory() {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: c.Name(), Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Getattr gets file attributes
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fs.fillAttr(n.current(), &out.Attr)
	out.SetTimeout(n.fs.config.AttrTimeout)
	return 0
}

// Setattr supports changing the modification time and truncating to zero.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	h := n.handle

	if size, ok := in.GetSize(); ok {
		if size != 0 {
			return syscall.ENOTSUP
		}
		if _, writing := fh.(*writeHandle); !writing {
			w, err := h.OpenWrite(ctx)
			if err != nil {
				return n.fs.errno("truncate", h, err)
			}
			if err := w.Close(); err != nil {
				return n.fs.errno("truncate", h, err)
			}
		}
	}
	if mtime, ok := in.GetMTime(); ok {
		if err := h.SetModifiedTime(ctx, mtime); err != nil {
			return n.fs.errno("setattr", h, err)
		}
	}

	n.fs.fillAttr(h, &out.Attr)
	out.SetTimeout(n.fs.config.AttrTimeout)
	return 0
}

// Mkdir creates a new directory
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, syscall.EROFS
	}

	h := n.current()
	child, err := h.Lookup(ctx, name)
	if err != nil {
		return nil, n.fs.errno("mkdir", h, err)
	}
	if err := child.Mkdir(ctx); err != nil {
		return nil, n.fs.errno("mkdir", child, err)
	}
	return n.newChild(ctx, child, out), 0
}

// Create creates a new file. Its content is uploaded when the handle is
// flushed.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (node *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}

	h := n.current()
	child, err := h.Lookup(ctx, name)
	if err != nil {
		return nil, nil, 0, n.fs.errno("create", h, err)
	}
	if child.Exists() && flags&syscall.O_EXCL != 0 {
		return nil, nil, 0, syscall.EEXIST
	}

	childNode := &Node{fs: n.fs, handle: child}
	wh, err := newWriteHandle(ctx, childNode)
	if err != nil {
		return nil, nil, 0, n.fs.errno("create", child, err)
	}
	n.fs.stats.Opens.Add(1)

	n.fs.fillAttr(child, &out.Attr)
	out.SetEntryTimeout(n.fs.config.EntryTimeout)
	out.SetAttrTimeout(n.fs.config.AttrTimeout)
	return n.NewInode(ctx, childNode, fs.StableAttr{Mode: fuse.S_IFREG}), wh, fuse.FOPEN_DIRECT_IO, 0
}

// Open opens a file. Writable opens replace the whole content.
func (n *Node) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	n.fs.stats.Opens.Add(1)

	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		if n.fs.config.ReadOnly {
			return nil, 0, syscall.EROFS
		}
		wh, err := newWriteHandle(ctx, n)
		if err != nil {
			return nil, 0, n.fs.errno("open", n.current(), err)
		}
		return wh, fuse.FOPEN_DIRECT_IO, 0
	}

	h := n.current()
	if h.IsDirectory() {
		return nil, 0, syscall.EISDIR
	}
	return &readHandle{fs: n.fs, handle: h}, 0, 0
}

// Unlink removes a file.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, name, false)
}

// Rmdir removes an empty directory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, name, true)
}

func (n *Node) remove(ctx context.Context, name string, dir bool) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}

	h := n.current()
	child, err := h.Lookup(ctx, name)
	if err != nil {
		return n.fs.errno("remove", h, err)
	}
	if !child.Exists() {
		return syscall.ENOENT
	}

	switch {
	case dir && !child.IsDirectory():
		return syscall.ENOTDIR
	case !dir && child.IsDirectory():
		return syscall.EISDIR
	case dir:
		children, err := child.List(ctx)
		if err != nil {
			return n.fs.errno("rmdir", child, err)
		}
		if len(children) > 0 {
			return syscall.ENOTEMPTY
		}
	}

	if err := child.Delete(ctx); err != nil {
		return n.fs.errno("remove", child, err)
	}
	return 0
}

// Rename renames an entry within the same directory, replacing an existing
// file of the new name.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	if target, ok := newParent.(*Node); !ok || target != n {
		return syscall.EXDEV
	}

	h := n.current()
	child, err := h.Lookup(ctx, name)
	if err != nil {
		return n.fs.errno("rename", h, err)
	}
	if !child.Exists() {
		return syscall.ENOENT
	}

	existing, err := h.Lookup(ctx, newName)
	if err != nil {
		return n.fs.errno("rename", h, err)
	}
	if existing.Exists() && existing.ID() != child.ID() {
		if existing.IsDirectory() {
			return syscall.EEXIST
		}
		if err := existing.Delete(ctx); err != nil {
			return n.fs.errno("rename", existing, err)
		}
	}

	if err := child.Move(ctx, newName); err != nil {
		return n.fs.errno("rename", child, err)
	}
	return 0
}

func (n *Node) newChild(ctx context.Context, child *vfs.Handle, out *fuse.EntryOut) *fs.Inode {
	mode := uint32(fuse.S_IFREG)
	if child.IsDirectory() {
		mode = fuse.S_IFDIR
	}
	n.fs.fillAttr(child, &out.Attr)
	out.SetEntryTimeout(n.fs.config.EntryTimeout)
	out.SetAttrTimeout(n.fs.config.AttrTimeout)
	return n.NewInode(ctx, &Node{fs: n.fs, handle: child}, fs.StableAttr{Mode: mode})
}

func (f *FileSystem) fillAttr(h *vfs.Handle, attr *fuse.Attr) {
	if h.IsDirectory() {
		attr.Mode = fuse.S_IFDIR | f.config.DirMode
		attr.Nlink = 2
	} else {
		attr.Mode = fuse.S_IFREG | f.config.FileMode
		attr.Nlink = 1
		attr.Size = safeInt64ToUint64(h.Size())
		attr.Blocks = (attr.Size + 511) / 512
	}
	attr.Uid = f.config.UID
	attr.Gid = f.config.GID

	mtime := h.ModTime()
	attr.SetTimes(&mtime, &mtime, &mtime)
}

// readHandle streams content sequentially and reopens the download when
// the kernel seeks.
type readHandle struct {
	fs     *FileSystem
	handle *vfs.Handle

	mu     sync.Mutex
	stream io.ReadCloser
	pos    int64
}

var (
	_ fs.FileReader   = (*readHandle)(nil)
	_ fs.FileReleaser = (*readHandle)(nil)
)

// Read reads data from the file
func (r *readHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	r.fs.stats.Reads.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()

	if off >= r.handle.Size() {
		return fuse.ReadResultData(nil), 0
	}
	if r.stream == nil || off != r.pos {
		if r.stream != nil {
			_ = r.stream.Close()
		}
		stream, err := r.handle.OpenRead(ctx, off)
		if err != nil {
			r.stream = nil
			return nil, r.fs.errno("read", r.handle, err)
		}
		r.stream, r.pos = stream, off
	}

	n, err := io.ReadFull(r.stream, dest)
	r.pos += int64(n)
	r.fs.stats.BytesRead.Add(int64(n))
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, r.fs.errno("read", r.handle, err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Release closes the download.
func (r *readHandle) Release(ctx context.Context) syscall.Errno {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		_ = r.stream.Close()
		r.stream = nil
	}
	return 0
}

// writeHandle uploads sequential writes starting at offset zero. The
// upload is committed on the first flush.
type writeHandle struct {
	node *Node

	mu      sync.Mutex
	sink    io.WriteCloser
	written int64
	closed  bool
	err     error
}

var (
	_ fs.FileWriter   = (*writeHandle)(nil)
	_ fs.FileFlusher  = (*writeHandle)(nil)
	_ fs.FileReleaser = (*writeHandle)(nil)
)

func newWriteHandle(ctx context.Context, node *Node) (*writeHandle, error) {
	// The upload outlives the open request.
	sink, err := node.current().OpenWrite(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	return &writeHandle{node: node, sink: sink}, nil
}

// Write writes data to the file
func (w *writeHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	fsys := w.node.fs
	fsys.stats.Writes.Add(1)
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, syscall.EBADF
	}
	if off != w.written {
		return 0, syscall.ENOTSUP
	}

	n, err := w.sink.Write(data)
	w.written += int64(n)
	fsys.stats.BytesWritten.Add(int64(n))
	if err != nil {
		return safeIntToUint32(n), fsys.errno("write", w.node.current(), err)
	}
	return safeIntToUint32(n), 0
}

// Flush commits the upload; its result is reported to close(2).
func (w *writeHandle) Flush(ctx context.Context) syscall.Errno {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commit()
}

// Release commits the upload if it was never flushed.
func (w *writeHandle) Release(ctx context.Context) syscall.Errno {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commit()
}

func (w *writeHandle) commit() syscall.Errno {
	if !w.closed {
		w.closed = true
		w.node.mu.Lock()
		w.err = w.sink.Close()
		w.node.mu.Unlock()
	}
	if w.err != nil {
		return w.node.fs.errno("flush", w.node.current(), w.err)
	}
	return 0
}
