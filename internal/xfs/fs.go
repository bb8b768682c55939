// Package xfs implements the FUSE Filesystem Adapter: the kernel callback
// set from github.com/jacobsa/fuse, sequencing the Entry Model, the Store
// Scanner, and the Handle Tables to answer each call.
//
// The scheduling model is single-threaded cooperative with respect to the
// adapter's mutable state (spec §5): the kernel-side library delivers
// callbacks serially, so the handle tables need no locking of their own.
package xfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"

	"github.com/Bulkin/fuse-rm/internal/entry"
	"github.com/Bulkin/fuse-rm/internal/handle"
	"github.com/Bulkin/fuse-rm/internal/logger"
	"github.com/Bulkin/fuse-rm/internal/store"
)

// FileSystem is the adapter: a fuseutil.FileSystem backed directly by the
// sidecar store. It caches nothing across calls except open handles.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	rootPath string
	uid, gid uint32
	clock    timeutil.Clock
	debug    bool

	tables *handle.Tables
}

// Config bundles the construction-time parameters for a FileSystem.
type Config struct {
	RootPath string
	Uid, Gid uint32
	Clock    timeutil.Clock
	Debug    bool
}

// New constructs an adapter rooted at cfg.RootPath.
func New(cfg Config) (*FileSystem, error) {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock()
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("statting store root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store root %s is not a directory", cfg.RootPath)
	}

	return &FileSystem{
		rootPath: cfg.RootPath,
		uid:      cfg.Uid,
		gid:      cfg.Gid,
		clock:    cfg.Clock,
		debug:    cfg.Debug,
		tables:   handle.New(),
	}, nil
}

// Mount mounts the adapter at mountpoint and returns the running server.
func (fs *FileSystem) Mount(mountpoint string) (*fuse.MountedFileSystem, error) {
	cfg := &fuse.MountConfig{
		FSName:   "xochitl",
		ReadOnly: false,
	}
	if fs.debug {
		cfg.DebugLogger = log.New(traceWriter{}, "fuse: ", 0)
	}

	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(mountpoint, server, cfg)
	if err != nil {
		return nil, fmt.Errorf("mount failed: %w", err)
	}
	return mfs, nil
}

// traceWriter adapts this package's logger to the io.Writer a *log.Logger
// needs, routing the library's own debug chatter through the same sink as
// everything else.
type traceWriter struct{}

func (traceWriter) Write(p []byte) (int, error) {
	logger.Tracef("%s", p)
	return len(p), nil
}

////////////////////////////////////////////////////////////////////////
// Resolution helpers
////////////////////////////////////////////////////////////////////////

// root and trash return the two synthetic entries.
func (fs *FileSystem) root() entry.Entry  { return entry.MakeRoot(fs.rootPath, fs.uid, fs.gid) }
func (fs *FileSystem) trash() entry.Entry { return entry.MakeTrash(fs.rootPath, fs.uid, fs.gid) }

// list performs a fresh Store Scanner pass. The synthetic root is not among
// the returned entries; the scanner prepends only trash.
func (fs *FileSystem) list() ([]entry.Entry, error) {
	return store.List(fs.rootPath, fs.uid, fs.gid)
}

// byInode re-scans the store and returns the entry with the given inode.
func (fs *FileSystem) byInode(ino uint64) (entry.Entry, error) {
	switch ino {
	case entry.RootInode:
		return fs.root(), nil
	case entry.TrashInode:
		return fs.trash(), nil
	}

	entries, err := fs.list()
	if err != nil {
		return entry.Entry{}, err
	}
	for _, e := range entries {
		if e.Attr.Inode == ino {
			return e, nil
		}
	}
	return entry.Entry{}, syscall.ENOENT
}

// byParentAndName re-scans the store and returns the child of parentIno
// whose rendered file name matches name.
func (fs *FileSystem) byParentAndName(parentIno uint64, name string) (entry.Entry, error) {
	entries, err := fs.list()
	if err != nil {
		return entry.Entry{}, err
	}
	for _, e := range entries {
		pIno, err := e.ParentInode()
		if err != nil {
			continue
		}
		if pIno == parentIno && e.FileName() == name {
			return e, nil
		}
	}
	return entry.Entry{}, syscall.ENOENT
}

// children re-scans the store and returns every entry that is a direct
// child of parent.
func (fs *FileSystem) children(parent entry.Entry) ([]entry.Entry, error) {
	entries, err := fs.list()
	if err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.IsParent(parent) {
			out = append(out, e)
		}
	}
	return out, nil
}

func toInodeAttributes(a entry.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: 1,
		Mode:  a.Mode,
		Atime: orEpoch(a.Atime),
		Mtime: orEpoch(a.Mtime),
		Ctime: orEpoch(a.Ctime),
		Uid:   a.Uid,
		Gid:   a.Gid,
	}
}

func orEpoch(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0)
	}
	return t
}

func logErr(op string, err error) error {
	logger.Errorf("%s: %v", op, err)
	return syscall.EIO
}

////////////////////////////////////////////////////////////////////////
// Lookup / attributes
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	e, err := fs.byParentAndName(uint64(op.Parent), op.Name)
	if err == syscall.ENOENT {
		return syscall.ENOENT
	}
	if err != nil {
		return logErr("LookUpInode", err)
	}

	op.Entry.Child = fuseops.InodeID(e.Attr.Inode)
	op.Entry.Attributes = toInodeAttributes(e.Attr)
	op.Entry.AttributesExpiration = time.Now().Add(entry.TTL())
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	if p, ok := fs.tables.GetPending(uint64(op.Inode)); ok {
		op.Attributes = toInodeAttributes(p.Entry.Attr)
		op.AttributesExpiration = time.Now().Add(entry.TTL())
		return nil
	}

	e, err := fs.byInode(uint64(op.Inode))
	if err == syscall.ENOENT {
		return syscall.ENOENT
	}
	if err != nil {
		return logErr("GetInodeAttributes", err)
	}

	op.Attributes = toInodeAttributes(e.Attr)
	op.AttributesExpiration = time.Now().Add(entry.TTL())
	logger.Tracef("getattr: inode %d, size %s", op.Inode, humanize.Bytes(e.Attr.Size))
	return nil
}

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	ino := uint64(op.Inode)

	if entries, ok := fs.tables.DirEntries(ino); ok {
		fs.tables.OpenDir(ino, entries)
		op.Handle = fuseops.HandleID(ino)
		return nil
	}

	parent, err := fs.byInode(ino)
	if err != nil {
		if err == syscall.ENOENT {
			return syscall.ENOENT
		}
		return logErr("OpenDir", err)
	}

	kids, err := fs.children(parent)
	if err != nil {
		return logErr("OpenDir", err)
	}

	fs.tables.OpenDir(ino, kids)
	op.Handle = fuseops.HandleID(ino)
	return nil
}

func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	entries, ok := fs.tables.DirEntries(uint64(op.Handle))
	if !ok {
		return syscall.ENOENT
	}

	offset := int(op.Offset)
	for i := offset; i < len(entries); i++ {
		e := entries[i]

		kind := fuseutil.DT_Directory
		if e.EntryType != entry.NONE {
			kind = fuseutil.DT_File
		}

		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(e.Attr.Inode),
			Name:   e.FileName(),
			Type:   kind,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}

	return nil
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	if err := fs.tables.ReleaseDir(uint64(op.Handle)); err != nil {
		return syscall.ENOENT
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Files: open / read / release
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	ino := uint64(op.Inode)

	if fs.tables.OpenFile(ino) {
		op.Handle = fuseops.HandleID(ino)
		return nil
	}

	e, err := fs.byInode(ino)
	if err != nil {
		if err == syscall.ENOENT {
			return syscall.ENOENT
		}
		return logErr("OpenFile", err)
	}

	f, err := os.Open(e.SourcePath())
	if err != nil {
		if os.IsNotExist(err) {
			return syscall.ENODATA
		}
		return logErr("OpenFile", err)
	}

	fs.tables.PutFile(ino, f)
	op.Handle = fuseops.HandleID(ino)
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	f, ok := fs.tables.File(uint64(op.Handle))
	if !ok {
		return syscall.ENOENT
	}

	n, err := f.ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil && !errors.Is(err, io.EOF) {
		return logErr("ReadFile", err)
	}
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	ino := uint64(op.Handle)

	if p, ok := fs.tables.GetPending(ino); ok {
		fs.tables.RemovePending(ino)
		cerr := p.File.Close()

		if p.Entry.EntryType == entry.NONE || p.Entry.EntryType == entry.PENDING {
			p.Entry.ForgetPending()
			return syscall.EPERM
		}

		if err := p.Entry.FinalizePending(); err != nil {
			logger.Errorf("ReleaseFileHandle: finalize: %v", err)
			return syscall.EIO
		}
		if cerr != nil {
			return logErr("ReleaseFileHandle", cerr)
		}
		return nil
	}

	if err := fs.tables.ReleaseFile(ino); err != nil {
		return syscall.ENOENT
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Ingest: create / write
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	if op.OpenFlags&syscall.O_ACCMODE != syscall.O_WRONLY {
		return syscall.EINVAL
	}

	parent, err := fs.byInode(uint64(op.Parent))
	if err != nil {
		if err == syscall.ENOENT {
			return syscall.ENOENT
		}
		return logErr("CreateFile", err)
	}

	if _, err := fs.byParentAndName(uint64(op.Parent), op.Name); err == nil {
		return syscall.EEXIST
	}
	if fs.tables.PendingNamed(parent.Prefix, op.Name) {
		return syscall.EEXIST
	}

	e, err := entry.CreateEntry(parent, op.Name, op.Mode, 0, false, fs.clock)
	if err != nil {
		return logErr("CreateFile", err)
	}

	f, err := os.OpenFile(e.SourcePath(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		e.ForgetPending()
		return logErr("CreateFile", err)
	}

	ino := e.Attr.Inode
	fs.tables.PutPending(ino, handle.Pending{Entry: e, File: f})

	op.Entry.Child = fuseops.InodeID(ino)
	op.Entry.Attributes = toInodeAttributes(e.Attr)
	op.Entry.AttributesExpiration = time.Now().Add(entry.TTL())
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	op.Handle = fuseops.HandleID(ino)
	return nil
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	ino := uint64(op.Handle)
	p, ok := fs.tables.GetPending(ino)
	if !ok {
		return syscall.ENOENT
	}

	if op.Offset == 0 && p.Entry.EntryType == entry.PENDING {
		if err := p.Entry.UpdateType(op.Data); err != nil {
			p.Entry.ForgetPending()
			_ = p.File.Close()
			fs.tables.RemovePending(ino)
			return syscall.ENOSYS
		}
		fs.tables.PutPending(ino, p)
	}

	if _, err := p.File.WriteAt(op.Data, op.Offset); err != nil {
		return logErr("WriteFile", err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// mkdir / rmdir / unlink / rename
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	if containsDot(op.Name) {
		return syscall.ENOSYS
	}

	parent, err := fs.byInode(uint64(op.Parent))
	if err != nil {
		if err == syscall.ENOENT {
			return syscall.ENOENT
		}
		return logErr("MkDir", err)
	}

	if _, err := fs.byParentAndName(uint64(op.Parent), op.Name); err == nil {
		return syscall.EEXIST
	}

	e, err := entry.CreateEntry(parent, op.Name, op.Mode, 0, true, fs.clock)
	if err != nil {
		return logErr("MkDir", err)
	}

	op.Entry.Child = fuseops.InodeID(e.Attr.Inode)
	op.Entry.Attributes = toInodeAttributes(e.Attr)
	op.Entry.AttributesExpiration = time.Now().Add(entry.TTL())
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

func containsDot(name string) bool {
	for _, r := range name {
		if r == '.' {
			return true
		}
	}
	return false
}

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	victim, err := fs.byParentAndName(uint64(op.Parent), op.Name)
	if err != nil {
		if err == syscall.ENOENT {
			return syscall.ENOENT
		}
		return logErr("RmDir", err)
	}
	if victim.EntryType != entry.NONE {
		return syscall.ENOTDIR
	}

	kids, err := fs.children(victim)
	if err != nil {
		return logErr("RmDir", err)
	}
	if len(kids) > 0 {
		return syscall.ENOTEMPTY
	}

	if err := os.Remove(victim.MetadataPath()); err != nil {
		return logErr("RmDir", err)
	}
	return nil
}

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	victim, err := fs.byParentAndName(uint64(op.Parent), op.Name)
	if err != nil {
		if err == syscall.ENOENT {
			return syscall.ENOENT
		}
		return logErr("Unlink", err)
	}

	if fs.tables.IsFileOpen(victim.Attr.Inode) {
		return syscall.EBUSY
	}

	if err := os.Remove(victim.SourcePath()); err != nil && !os.IsNotExist(err) {
		return logErr("Unlink", err)
	}
	if err := os.Remove(victim.MetadataPath()); err != nil {
		return logErr("Unlink", err)
	}
	_ = os.Remove(victim.ContentPath())

	return nil
}

func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	victim, err := fs.byParentAndName(uint64(op.OldParent), op.OldName)
	if err != nil {
		if err == syscall.ENOENT {
			return syscall.ENOENT
		}
		return logErr("Rename", err)
	}

	newParent, err := fs.byInode(uint64(op.NewParent))
	if err != nil {
		if err == syscall.ENOENT {
			return syscall.ENOENT
		}
		return logErr("Rename", err)
	}

	if _, err := victim.Rename(newParent, op.NewName); err != nil {
		return logErr("Rename", err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Maintenance: trash reclamation (not a kernel callback)
////////////////////////////////////////////////////////////////////////

// ReclaimTrash physically deletes up to limit sidecar/payload/content
// triples whose parent is the reserved "trash" literal. It is never
// invoked from a kernel callback — only from the mount command at
// startup — so it carries none of the "observed mid-scan" races a
// callback-driven sweep would have to account for.
func (fs *FileSystem) ReclaimTrash(ctx context.Context, limit int) (int, error) {
	entries, err := fs.list()
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, e := range entries {
		if reclaimed >= limit {
			break
		}
		if e.Parent != "trash" {
			continue
		}

		if err := os.Remove(e.SourcePath()); err != nil && !os.IsNotExist(err) {
			logger.Warnf("ReclaimTrash: removing payload for %s: %v", e.Prefix, err)
			continue
		}
		if err := os.Remove(e.MetadataPath()); err != nil && !os.IsNotExist(err) {
			logger.Warnf("ReclaimTrash: removing sidecar for %s: %v", e.Prefix, err)
			continue
		}
		_ = os.Remove(e.ContentPath())
		reclaimed++
	}

	return reclaimed, nil
}

// pendingDir returns the staging directory path, creating it on demand is
// the Entry Model's job (CreateEntry); this is only used by tests that
// want to assert it's empty.
func (fs *FileSystem) pendingDir() string {
	return filepath.Join(fs.rootPath, ".pending")
}
