// Package store enumerates the backing directory, turning its flat set of
// sidecar files into resolved Directory Entries.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Bulkin/fuse-rm/internal/entry"
	"github.com/Bulkin/fuse-rm/internal/sidecar"
)

const metadataSuffix = ".metadata"

// List enumerates the store root, returning the synthetic trash entry
// followed by one entry per live *.metadata file. Non-metadata files,
// dotfiles, and the .pending staging directory are skipped. Every entry
// reports uid and gid as its owner. It never caches: every call re-reads
// the directory and every sidecar in it.
func List(rootPath string, uid, gid uint32) ([]entry.Entry, error) {
	dirents, err := os.ReadDir(rootPath)
	if err != nil {
		return nil, fmt.Errorf("reading store root %s: %w", rootPath, err)
	}

	entries := make([]entry.Entry, 0, len(dirents)+1)
	entries = append(entries, entry.MakeTrash(rootPath, uid, gid))

	for _, d := range dirents {
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasSuffix(name, metadataSuffix) {
			continue
		}

		prefix := strings.TrimSuffix(name, metadataSuffix)
		path := filepath.Join(rootPath, name)

		rec, err := sidecar.Load(path)
		if err != nil {
			return nil, err
		}

		attr, err := attrFromFile(path)
		if err != nil {
			return nil, err
		}
		attr.Uid, attr.Gid = uid, gid

		entries = append(entries, entry.FromSidecar(rootPath, prefix, attr, rec))
	}

	return entries, nil
}

func attrFromFile(path string) (entry.Attr, error) {
	info, err := os.Stat(path)
	if err != nil {
		return entry.Attr{}, fmt.Errorf("stat %s: %w", path, err)
	}

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return entry.Attr{}, fmt.Errorf("stat %s: no inode info available", path)
	}

	return entry.Attr{
		Inode:     st.Ino,
		Size:      uint64(info.Size()),
		Mode:      info.Mode(),
		Uid:       st.Uid,
		Gid:       st.Gid,
		BlockSize: 4096,
		Atime:     statAtime(st),
		Mtime:     info.ModTime(),
		Ctime:     statCtime(st),
	}, nil
}
