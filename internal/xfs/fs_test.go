package xfs

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	dir := t.TempDir()

	fs, err := New(Config{
		RootPath: dir,
		Uid:      1000,
		Gid:      1000,
		Clock:    timeutil.RealClock(),
	})
	require.NoError(t, err)
	return fs
}

func writeMetadata(t *testing.T, fs *FileSystem, prefix, visibleName, parent, typ string) {
	t.Helper()
	path := filepath.Join(fs.rootPath, prefix+".metadata")
	body := `{"parent":"` + parent + `","visibleName":"` + visibleName + `","type":"` + typ + `","version":0}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLookUpInodeFindsRootChild(t *testing.T) {
	fs := newTestFS(t)
	writeMetadata(t, fs, "aaaa", "Doc", "", "DocumentType")
	require.NoError(t, os.WriteFile(filepath.Join(fs.rootPath, "aaaa.pdf"), []byte("%PDF-1.4\nHELLO"), 0o644))

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "Doc.pdf"}
	require.NoError(t, fs.LookUpInode(context.Background(), op))
	assert.NotZero(t, op.Entry.Child)
}

func TestLookUpInodeMissingReturnsENOENT(t *testing.T) {
	fs := newTestFS(t)
	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "nope"}
	err := fs.LookUpInode(context.Background(), op)
	assert.Equal(t, syscall.ENOENT, err)
}

func TestReadDirListsTrashAndChildren(t *testing.T) {
	fs := newTestFS(t)
	writeMetadata(t, fs, "aaaa", "Doc", "", "DocumentType")
	require.NoError(t, os.WriteFile(filepath.Join(fs.rootPath, "aaaa.pdf"), []byte("%PDF-1.4\nHELLO"), 0o644))

	openOp := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, fs.OpenDir(context.Background(), openOp))

	readOp := &fuseops.ReadDirOp{
		Inode:  fuseops.RootInodeID,
		Handle: openOp.Handle,
		Offset: 0,
		Dst:    make([]byte, 4096),
	}
	require.NoError(t, fs.ReadDir(context.Background(), readOp))
	assert.Greater(t, readOp.BytesRead, 0)

	require.NoError(t, fs.ReleaseDirHandle(context.Background(), &fuseops.ReleaseDirHandleOp{Handle: openOp.Handle}))
}

func TestCreateWriteReleasePromotesPDF(t *testing.T) {
	fs := newTestFS(t)

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "new.pdf", Mode: 0o644, OpenFlags: syscall.O_WRONLY}
	require.NoError(t, fs.CreateFile(context.Background(), createOp))

	payload := []byte("%PDF-1.4\nhello world")
	writeOp := &fuseops.WriteFileOp{Handle: createOp.Handle, Offset: 0, Data: payload}
	require.NoError(t, fs.WriteFile(context.Background(), writeOp))

	require.NoError(t, fs.ReleaseFileHandle(context.Background(), &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))

	entries, err := fs.list()
	require.NoError(t, err)

	var found bool
	for _, e := range entries {
		if e.FileName() == "new.pdf" {
			found = true
			assert.Equal(t, uint64(len(payload)), e.Attr.Size)
		}
	}
	assert.True(t, found)

	pendingDirEntries, err := os.ReadDir(fs.pendingDir())
	require.NoError(t, err)
	assert.Empty(t, pendingDirEntries)
}

func TestWriteRejectsUnsupportedContent(t *testing.T) {
	fs := newTestFS(t)

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "new.bin", Mode: 0o644, OpenFlags: syscall.O_WRONLY}
	require.NoError(t, fs.CreateFile(context.Background(), createOp))

	writeOp := &fuseops.WriteFileOp{Handle: createOp.Handle, Offset: 0, Data: []byte("plain text")}
	err := fs.WriteFile(context.Background(), writeOp)
	assert.Equal(t, syscall.ENOSYS, err)

	pendingDirEntries, err := os.ReadDir(fs.pendingDir())
	require.NoError(t, err)
	assert.Empty(t, pendingDirEntries)
}

func TestCreateDuplicateNameReturnsEEXIST(t *testing.T) {
	fs := newTestFS(t)
	writeMetadata(t, fs, "aaaa", "Doc", "", "DocumentType")
	require.NoError(t, os.WriteFile(filepath.Join(fs.rootPath, "aaaa.pdf"), []byte("%PDF-1.4\nx"), 0o644))

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "Doc.pdf", Mode: 0o644, OpenFlags: syscall.O_WRONLY}
	err := fs.CreateFile(context.Background(), createOp)
	assert.Equal(t, syscall.EEXIST, err)
}

func TestMkDirRejectsDotInName(t *testing.T) {
	fs := newTestFS(t)
	op := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "bad.name", Mode: 0o755}
	err := fs.MkDir(context.Background(), op)
	assert.Equal(t, syscall.ENOSYS, err)
}

func TestMkDirThenRmDirNonEmptyFails(t *testing.T) {
	fs := newTestFS(t)

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "folder", Mode: 0o755}
	require.NoError(t, fs.MkDir(context.Background(), mkdirOp))

	folderIno := uint64(mkdirOp.Entry.Child)
	writeMetadata(t, fs, "childdoc", "Doc", prefixFor(t, fs, folderIno), "DocumentType")
	require.NoError(t, os.WriteFile(filepath.Join(fs.rootPath, "childdoc.pdf"), []byte("%PDF-"), 0o644))

	rmdirOp := &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "folder"}
	err := fs.RmDir(context.Background(), rmdirOp)
	assert.Equal(t, syscall.ENOTEMPTY, err)
}

// prefixFor returns the on-disk prefix backing the entry with the given
// inode, so a test can fabricate a child whose parent field points at it.
func prefixFor(t *testing.T, fs *FileSystem, ino uint64) string {
	t.Helper()
	entries, err := fs.list()
	require.NoError(t, err)
	for _, e := range entries {
		if e.Attr.Inode == ino {
			return e.Prefix
		}
	}
	t.Fatalf("no entry with inode %d", ino)
	return ""
}

func TestRenamePreservesInode(t *testing.T) {
	fs := newTestFS(t)
	writeMetadata(t, fs, "aaaa", "Doc", "", "DocumentType")
	require.NoError(t, os.WriteFile(filepath.Join(fs.rootPath, "aaaa.pdf"), []byte("%PDF-"), 0o644))

	before, err := fs.byParentAndName(uint64(fuseops.RootInodeID), "Doc.pdf")
	require.NoError(t, err)

	renameOp := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID,
		OldName:   "Doc.pdf",
		NewParent: fuseops.RootInodeID,
		NewName:   "Renamed.pdf",
	}
	require.NoError(t, fs.Rename(context.Background(), renameOp))

	after, err := fs.byParentAndName(uint64(fuseops.RootInodeID), "Renamed.pdf")
	require.NoError(t, err)
	assert.Equal(t, before.Attr.Inode, after.Attr.Inode)
}

func TestUnlinkRemovesPayloadAndSidecar(t *testing.T) {
	fs := newTestFS(t)
	writeMetadata(t, fs, "aaaa", "Doc", "", "DocumentType")
	require.NoError(t, os.WriteFile(filepath.Join(fs.rootPath, "aaaa.pdf"), []byte("%PDF-"), 0o644))

	op := &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "Doc.pdf"}
	require.NoError(t, fs.Unlink(context.Background(), op))

	assert.NoFileExists(t, filepath.Join(fs.rootPath, "aaaa.pdf"))
	assert.NoFileExists(t, filepath.Join(fs.rootPath, "aaaa.metadata"))
}

func TestReclaimTrashDeletesUpToLimit(t *testing.T) {
	fs := newTestFS(t)
	for _, prefix := range []string{"t1", "t2", "t3"} {
		writeMetadata(t, fs, prefix, "Old Doc", "trash", "DocumentType")
		require.NoError(t, os.WriteFile(filepath.Join(fs.rootPath, prefix+".pdf"), []byte("%PDF-"), 0o644))
	}

	n, err := fs.ReclaimTrash(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := fs.list()
	require.NoError(t, err)
	remaining := 0
	for _, e := range entries {
		if e.Parent == "trash" {
			remaining++
		}
	}
	assert.Equal(t, 1, remaining)
}
