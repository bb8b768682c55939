// Package handle implements the three handle tables the adapter keeps
// across callbacks: open directories and open files, both reference-counted,
// and pending (being-written) files. All three are keyed by inode.
//
// None of this needs its own synchronization: the kernel-side FUSE library
// delivers callbacks serially, and the adapter holds exclusive access to
// these tables for the duration of each one (spec §5).
package handle

import (
	"fmt"
	"os"

	"github.com/Bulkin/fuse-rm/internal/entry"
)

// dirSlot is a listing snapshot taken at opendir time, plus a count of the
// concurrently outstanding opens that share it.
type dirSlot struct {
	refcount int
	entries  []entry.Entry
}

// fileSlot is an open payload file, plus a count of the concurrently
// outstanding opens that share it.
type fileSlot struct {
	refcount int
	file     *os.File
}

// Pending is a staged, in-progress ingest: its resolved entry and the
// payload file being written to. Unlike dirSlot/fileSlot it carries no
// refcount — its lifetime is exactly one open/release pair.
type Pending struct {
	Entry entry.Entry
	File  *os.File
}

// Tables holds the three handle maps. Construct it with New; the zero
// value's maps are nil and cannot be written to.
type Tables struct {
	dirs    map[uint64]*dirSlot
	files   map[uint64]*fileSlot
	pending map[uint64]Pending
}

// New returns an empty set of handle tables.
func New() *Tables {
	return &Tables{
		dirs:    make(map[uint64]*dirSlot),
		files:   make(map[uint64]*fileSlot),
		pending: make(map[uint64]Pending),
	}
}

// OpenDir bumps the refcount of an already-open directory handle, or, on
// first open, stores the supplied listing. Concurrent opens of the same
// inode share one listing; the listing is not refreshed until the last
// release.
func (t *Tables) OpenDir(ino uint64, entries []entry.Entry) {
	if slot, ok := t.dirs[ino]; ok {
		slot.refcount++
		return
	}
	t.dirs[ino] = &dirSlot{refcount: 1, entries: entries}
}

// DirEntries returns the buffered listing for an open directory handle.
func (t *Tables) DirEntries(ino uint64) ([]entry.Entry, bool) {
	slot, ok := t.dirs[ino]
	if !ok {
		return nil, false
	}
	return slot.entries, true
}

// ReleaseDir decrements the refcount for a directory handle, removing the
// entry once it hits zero. Returns an error if the handle isn't open.
func (t *Tables) ReleaseDir(ino uint64) error {
	slot, ok := t.dirs[ino]
	if !ok {
		return fmt.Errorf("releasedir: no open handle for inode %d", ino)
	}
	slot.refcount--
	if slot.refcount <= 0 {
		delete(t.dirs, ino)
	}
	return nil
}

// OpenFile bumps the refcount of an already-open file handle and reports
// whether one existed; if not, the caller is responsible for opening the
// backing file and calling PutFile.
func (t *Tables) OpenFile(ino uint64) bool {
	slot, ok := t.files[ino]
	if !ok {
		return false
	}
	slot.refcount++
	return true
}

// PutFile registers a newly opened file handle with refcount 1.
func (t *Tables) PutFile(ino uint64, f *os.File) {
	t.files[ino] = &fileSlot{refcount: 1, file: f}
}

// File returns the open file for a handle, if any.
func (t *Tables) File(ino uint64) (*os.File, bool) {
	slot, ok := t.files[ino]
	if !ok {
		return nil, false
	}
	return slot.file, true
}

// ReleaseFile decrements the refcount for a file handle, closing and
// removing it once it hits zero. Returns an error if the handle isn't
// open.
func (t *Tables) ReleaseFile(ino uint64) error {
	slot, ok := t.files[ino]
	if !ok {
		return fmt.Errorf("release: no open handle for inode %d", ino)
	}
	slot.refcount--
	if slot.refcount <= 0 {
		delete(t.files, ino)
		return slot.file.Close()
	}
	return nil
}

// PutPending registers a newly created staged file.
func (t *Tables) PutPending(ino uint64, p Pending) {
	t.pending[ino] = p
}

// GetPending returns the staged file for a handle, if any.
func (t *Tables) GetPending(ino uint64) (Pending, bool) {
	p, ok := t.pending[ino]
	return p, ok
}

// RemovePending removes a staged file's bookkeeping. It does not touch the
// open *os.File or any on-disk state — callers close/rename/remove those
// themselves before or after calling this.
func (t *Tables) RemovePending(ino uint64) {
	delete(t.pending, ino)
}

// IsFileOpen reports whether ino currently has a live entry in the open
// files table, used by unlink to refuse removing a file that's in use.
func (t *Tables) IsFileOpen(ino uint64) bool {
	_, ok := t.files[ino]
	return ok
}

// PendingNamed reports whether a staged ingest with the given parent prefix
// and file name is currently in flight, used by create to reject a
// duplicate name against an in-progress upload as well as a live one.
func (t *Tables) PendingNamed(parentPrefix, name string) bool {
	for _, p := range t.pending {
		if p.Entry.Parent == parentPrefix && p.Entry.FileName() == name {
			return true
		}
	}
	return false
}
