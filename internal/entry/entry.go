// Package entry implements the resolved Directory Entry model: the
// in-memory entity the filesystem adapter operates on, reconstructed from a
// sidecar record plus whatever payload file sits beside it.
package entry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"

	"github.com/Bulkin/fuse-rm/internal/sidecar"
	"github.com/Bulkin/fuse-rm/internal/sniff"
)

// Type discriminates what an Entry represents. NONE means "directory";
// PENDING means "file being ingested, type not yet decided"; everything
// else names a recognized payload format.
type Type string

const (
	PDF     Type = Type(sniff.PDF)
	EPUB    Type = Type(sniff.EPUB)
	RMLINES Type = Type(sniff.RMLINES)
	PENDING Type = "PENDING"
	NONE    Type = "NONE"
)

// extOrder is the ordered, first-match-wins list of payload extensions
// probed when resolving an entry's type. Order matters: spec requires
// epub, then pdf, then rm.
var extOrder = []struct {
	typ Type
	ext string
}{
	{EPUB, "epub"},
	{PDF, "pdf"},
	{RMLINES, "rm"},
}

func extForType(t Type) string {
	for _, e := range extOrder {
		if e.typ == t {
			return e.ext
		}
	}
	return ""
}

// RootInode and TrashInode are the two synthetic inode numbers; every other
// entry's inode is the backing inode of its live *.metadata file.
const (
	RootInode  = 1
	TrashInode = 2
)

const defaultTTL = time.Second

// Attr carries the filesystem attributes synthesized for an Entry,
// independent of any particular FUSE binding's attribute type.
type Attr struct {
	Inode     uint64
	Size      uint64
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Mode      fs.FileMode
	Uid       uint32
	Gid       uint32
	BlockSize uint32
}

// Entry is the resolved view of one document or collection.
type Entry struct {
	RootPath  string
	Prefix    string
	EntryType Type
	Name      string
	Parent    string
	Attr      Attr
	Sidecar   sidecar.Record
}

func rootAttr(uid, gid uint32) Attr {
	return Attr{
		Inode:     RootInode,
		Mode:      fs.ModeDir | 0o755,
		Uid:       uid,
		Gid:       gid,
		BlockSize: 4096,
	}
}

// MakeRoot constructs the synthetic root entry (inode 1).
func MakeRoot(rootPath string, uid, gid uint32) Entry {
	return Entry{
		RootPath:  rootPath,
		Prefix:    "",
		EntryType: NONE,
		Name:      "",
		Parent:    "",
		Attr:      rootAttr(uid, gid),
		Sidecar:   sidecar.Record{Parent: "", VisibleName: "", Type: sidecar.CollectionType},
	}
}

// MakeTrash constructs the synthetic trash entry (inode 2).
func MakeTrash(rootPath string, uid, gid uint32) Entry {
	attr := rootAttr(uid, gid)
	attr.Inode = TrashInode
	return Entry{
		RootPath:  rootPath,
		Prefix:    "trash",
		EntryType: NONE,
		Name:      "trash",
		Parent:    "",
		Attr:      attr,
		Sidecar:   sidecar.Record{Parent: "", VisibleName: "trash", Type: sidecar.CollectionType},
	}
}

// probeType stats <rootPath>/<prefix>.<ext> (or, for a PENDING entry,
// <rootPath>/.pending/<prefix>.<ext>) for each extension in order and
// returns the first one found, along with its size. Absence of all three
// means the entry is a directory.
//
// A live (non-pending) entry first consults its *.content marker, written
// by FinalizePending, to skip straight to the right extension; this is
// purely an optimization; when the marker is missing, stale, or names an
// extension that doesn't actually exist on disk, the full ordered probe
// still runs and wins.
func probeType(rootPath, prefix string, pending bool) (Type, uint64) {
	dir := rootPath
	if pending {
		dir = filepath.Join(rootPath, ".pending")
	} else if ext, ok := readContentMarker(rootPath, prefix); ok {
		if info, err := os.Stat(filepath.Join(dir, prefix+"."+ext)); err == nil {
			for _, e := range extOrder {
				if e.ext == ext {
					return e.typ, uint64(info.Size())
				}
			}
		}
	}

	for _, e := range extOrder {
		p := filepath.Join(dir, prefix+"."+e.ext)
		if info, err := os.Stat(p); err == nil {
			return e.typ, uint64(info.Size())
		}
	}
	return NONE, 0
}

// readContentMarker reads the fileType named in <prefix>.content, if
// present, without validating it against anything on disk.
func readContentMarker(rootPath, prefix string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(rootPath, prefix+".content"))
	if err != nil {
		return "", false
	}

	var marker struct {
		FileType string `json:"fileType"`
	}
	if err := json.Unmarshal(data, &marker); err != nil || marker.FileType == "" {
		return "", false
	}
	return marker.FileType, true
}

// FromSidecar constructs a resolved entry from a sidecar record and the
// backing attributes of the sidecar file itself. It probes the sibling
// payload files to determine entry_type and size, and forces the permission
// bits to the synthetic root's mode.
func FromSidecar(rootPath, prefix string, attr Attr, rec sidecar.Record) Entry {
	typ, size := probeType(rootPath, prefix, false)

	resolved := attr
	resolved.Size = size
	perm := rootAttr(attr.Uid, attr.Gid).Mode.Perm()
	if typ == NONE {
		resolved.Mode = fs.ModeDir | perm
	} else {
		resolved.Mode = perm
	}

	return Entry{
		RootPath:  rootPath,
		Prefix:    prefix,
		EntryType: typ,
		Name:      rec.VisibleName,
		Parent:    rec.Parent,
		Attr:      resolved,
		Sidecar:   rec,
	}
}

// stripKnownExtension removes a trailing "."+ext suffix from name when ext
// is one of the recognized payload extensions, so the stored visibleName
// doesn't duplicate the extension FileName() re-appends once the payload's
// type is resolved (e.g. a create for "new.pdf" stores visibleName "new",
// not "new.pdf", so a later FileName() reconstructs "new.pdf" rather than
// "new.pdf.pdf").
func stripKnownExtension(name string) string {
	for _, e := range extOrder {
		suffix := "." + e.ext
		if strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}

// CreateEntry mints a fresh entry with a newly generated UUID prefix.
// Directories are written straight to the store root; files are staged
// under .pending/ with entry_type PENDING.
func CreateEntry(parent Entry, name string, mode, umask fs.FileMode, isDir bool, clock timeutil.Clock) (Entry, error) {
	prefix := uuid.NewString()
	perm := mode &^ umask &^ fs.ModeType

	var typ Type
	var rec sidecar.Record
	nowMillis := uint64(clock.Now().UnixMilli())
	if isDir {
		typ = NONE
		rec = sidecar.NewCollection(name, parent.Prefix, nowMillis)
	} else {
		name = stripKnownExtension(name)
		typ = PENDING
		rec = sidecar.NewDocument(name, parent.Prefix, nowMillis)
	}

	e := Entry{
		RootPath:  parent.RootPath,
		Prefix:    prefix,
		EntryType: typ,
		Name:      name,
		Parent:    parent.Prefix,
		Sidecar:   rec,
	}
	e.Attr = Attr{
		Mode:      perm &^ fs.ModeType,
		Uid:       parent.Attr.Uid,
		Gid:       parent.Attr.Gid,
		BlockSize: parent.Attr.BlockSize,
	}
	if isDir {
		e.Attr.Mode |= fs.ModeDir
	}

	metaPath := e.MetadataPath()
	if !isDir {
		stagingDir := filepath.Join(e.RootPath, ".pending")
		if err := os.MkdirAll(stagingDir, 0o755); err != nil {
			return Entry{}, fmt.Errorf("creating staging dir: %w", err)
		}
	}

	ino, err := sidecar.Save(rec, metaPath)
	if err != nil {
		return Entry{}, err
	}
	e.Attr.Inode = ino

	return e, nil
}

// SourcePath returns the payload's path. A PENDING entry's type isn't
// known yet, so its staged payload carries no extension at all — just
// .pending/<prefix> — until FinalizePending renames it into place.
func (e Entry) SourcePath() string {
	if e.EntryType == PENDING {
		return filepath.Join(e.RootPath, ".pending", e.Prefix)
	}
	return filepath.Join(e.RootPath, e.Prefix+"."+extForType(e.EntryType))
}

// MetadataPath returns the sidecar's path, analogous to SourcePath.
func (e Entry) MetadataPath() string {
	dir := e.RootPath
	if e.EntryType == PENDING {
		dir = filepath.Join(e.RootPath, ".pending")
	}
	return filepath.Join(dir, e.Prefix+".metadata")
}

// ContentPath returns the path of the companion *.content marker written on
// promotion.
func (e Entry) ContentPath() string {
	return filepath.Join(e.RootPath, e.Prefix+".content")
}

// FileName returns the visible name with the entry type's extension
// appended; the extension is empty for directories.
func (e Entry) FileName() string {
	ext := extForType(e.EntryType)
	if ext == "" {
		return e.Name
	}
	return e.Name + "." + ext
}

// IsParent reports whether e is a direct child of p: either p is root and
// e's parent field is empty, or e's parent equals p's prefix.
func (e Entry) IsParent(p Entry) bool {
	if p.Prefix == "" && e.Parent == "" {
		return true
	}
	return e.Parent == p.Prefix
}

// ParentInode resolves the inode of e's parent directory without requiring
// a full scan: trash is the fixed inode 2, an empty parent is the root
// (inode 1), and anything else is resolved by statting the parent's own
// sidecar file.
func (e Entry) ParentInode() (uint64, error) {
	switch e.Parent {
	case "trash":
		return TrashInode, nil
	case "":
		return RootInode, nil
	}

	path := filepath.Join(e.RootPath, e.Parent+".metadata")
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat parent metadata %s: %w", path, err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, errors.New("no inode info available for parent metadata")
	}
	return st.Ino, nil
}

// Rename updates the sidecar's visibleName and parent fields, rewrites the
// sidecar file, and returns a new Entry reflecting the change. The on-disk
// prefix — and therefore the inode — is unchanged. For a file, a trailing
// extension matching its own type is stripped from newName, since
// FileName() re-appends it (renaming "Doc.pdf" to "New.pdf" stores "New").
func (e Entry) Rename(newParent Entry, newName string) (Entry, error) {
	if ext := extForType(e.EntryType); ext != "" {
		suffix := "." + ext
		if strings.HasSuffix(newName, suffix) && len(newName) > len(suffix) {
			newName = strings.TrimSuffix(newName, suffix)
		}
	}

	rec := e.Sidecar
	rec.VisibleName = newName
	rec.Parent = newParent.Prefix

	if _, err := sidecar.Save(rec, e.MetadataPath()); err != nil {
		return Entry{}, err
	}

	renamed := e
	renamed.Name = newName
	renamed.Parent = newParent.Prefix
	renamed.Sidecar = rec
	return renamed, nil
}

// UpdateType content-sniffs the prefix of the payload, setting entry_type
// to PDF/EPUB/RMLINES if recognized. On failure it returns an error naming
// the detected (unsupported) extension, or "unknown" if nothing matched.
func (e *Entry) UpdateType(head []byte) error {
	ext, ok := sniff.Detect(head)
	if !ok {
		return errors.New("unknown")
	}

	for _, x := range extOrder {
		if string(x.typ) == string(ext) {
			e.EntryType = x.typ
			return nil
		}
	}
	return fmt.Errorf("%s", ext)
}

// FinalizePending moves the staged payload and sidecar into the live store
// and writes the *.content type marker. Precondition: e is not
// PENDING/NONE (i.e. UpdateType has already succeeded).
func (e Entry) FinalizePending() error {
	if e.EntryType == NONE || e.EntryType == PENDING {
		return syscall.EPERM
	}

	stagedPayload := filepath.Join(e.RootPath, ".pending", e.Prefix)
	stagedMeta := filepath.Join(e.RootPath, ".pending", e.Prefix+".metadata")

	liveSource := filepath.Join(e.RootPath, e.Prefix+"."+extForType(e.EntryType))
	if err := os.Rename(stagedPayload, liveSource); err != nil {
		return fmt.Errorf("promoting payload: %w", err)
	}
	if err := os.Rename(stagedMeta, e.MetadataPath()); err != nil {
		return fmt.Errorf("promoting sidecar: %w", err)
	}

	content := fmt.Sprintf(`{"fileType":%q}`, extForType(e.EntryType))
	if err := os.WriteFile(e.ContentPath(), []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing content marker: %w", err)
	}

	return nil
}

// ForgetPending best-effort removes the staged payload and sidecar; used
// on an aborted ingest (unsupported content type, or release without a
// successful sniff).
func (e Entry) ForgetPending() {
	_ = os.Remove(filepath.Join(e.RootPath, ".pending", e.Prefix))
	_ = os.Remove(filepath.Join(e.RootPath, ".pending", e.Prefix+".metadata"))
}

// TTL is the duration the kernel should cache replies about this entry.
func TTL() time.Duration {
	return defaultTTL
}
