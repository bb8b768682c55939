package handle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bulkin/fuse-rm/internal/entry"
)

func TestOpenDirRefcounting(t *testing.T) {
	tables := New()
	entries := []entry.Entry{{Name: "a"}, {Name: "b"}}

	tables.OpenDir(1, entries)
	tables.OpenDir(1, nil) // second open of the same inode shares the listing

	got, ok := tables.DirEntries(1)
	require.True(t, ok)
	assert.Len(t, got, 2)

	require.NoError(t, tables.ReleaseDir(1))
	_, ok = tables.DirEntries(1)
	assert.True(t, ok, "one release of two opens should not remove the handle")

	require.NoError(t, tables.ReleaseDir(1))
	_, ok = tables.DirEntries(1)
	assert.False(t, ok, "second release should remove the handle")
}

func TestReleaseDirWithoutOpenErrors(t *testing.T) {
	tables := New()
	assert.Error(t, tables.ReleaseDir(99))
}

func TestOpenFileRefcounting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)

	tables := New()
	assert.False(t, tables.OpenFile(1))
	tables.PutFile(1, f)
	assert.True(t, tables.OpenFile(1))

	got, ok := tables.File(1)
	require.True(t, ok)
	assert.Equal(t, f, got)

	require.NoError(t, tables.ReleaseFile(1))
	assert.True(t, tables.IsFileOpen(1))

	require.NoError(t, tables.ReleaseFile(1))
	assert.False(t, tables.IsFileOpen(1))
}

func TestPendingLifecycle(t *testing.T) {
	tables := New()
	p := Pending{Entry: entry.Entry{Prefix: "xyz"}}

	_, ok := tables.GetPending(1)
	assert.False(t, ok)

	tables.PutPending(1, p)
	got, ok := tables.GetPending(1)
	require.True(t, ok)
	assert.Equal(t, "xyz", got.Entry.Prefix)

	tables.RemovePending(1)
	_, ok = tables.GetPending(1)
	assert.False(t, ok)
}
