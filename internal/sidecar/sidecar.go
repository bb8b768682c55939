// Package sidecar reads and writes the JSON metadata files ("sidecars")
// that xochitl keeps alongside every document and collection in its flat
// storage layout.
package sidecar

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
)

// Type is the document/collection discriminant used on the wire.
type Type string

const (
	CollectionType Type = "CollectionType"
	DocumentType   Type = "DocumentType"
)

// Record is a single sidecar's contents: the three fields every caller
// cares about, plus whatever else xochitl happened to write. The tail is
// round-tripped verbatim so that fields this package doesn't understand
// (synced, pinned, lastOpened, ...) survive a load/save cycle untouched.
type Record struct {
	Parent      string
	VisibleName string
	Type        Type
	Extra       map[string]json.RawMessage
}

// wireFields mirrors Record's three named fields with their on-disk
// camelCase names, regardless of Go naming conventions.
type wireFields struct {
	Parent      string `json:"parent"`
	VisibleName string `json:"visibleName"`
	Type        Type   `json:"type"`
}

// MarshalJSON merges the named fields with the extensible tail into a
// single flat JSON object.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extra)+3)
	for k, v := range r.Extra {
		out[k] = v
	}

	named, err := json.Marshal(wireFields{
		Parent:      r.Parent,
		VisibleName: r.VisibleName,
		Type:        r.Type,
	})
	if err != nil {
		return nil, err
	}

	var namedMap map[string]json.RawMessage
	if err := json.Unmarshal(named, &namedMap); err != nil {
		return nil, err
	}
	for k, v := range namedMap {
		out[k] = v
	}

	return json.Marshal(out)
}

// UnmarshalJSON extracts the three named fields and collects everything
// else into Extra.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var w wireFields
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	delete(raw, "parent")
	delete(raw, "visibleName")
	delete(raw, "type")

	r.Parent = w.Parent
	r.VisibleName = w.VisibleName
	r.Type = w.Type
	r.Extra = raw
	return nil
}

// NewDocument builds a record for a freshly-ingested document, populating
// the tail with the defaults xochitl expects on a brand new file.
func NewDocument(visibleName, parent string, nowMillis uint64) Record {
	return newRecord(visibleName, parent, DocumentType, nowMillis)
}

// NewCollection builds a record for a freshly-created directory.
func NewCollection(visibleName, parent string, nowMillis uint64) Record {
	return newRecord(visibleName, parent, CollectionType, nowMillis)
}

func newRecord(visibleName, parent string, t Type, nowMillis uint64) Record {
	extra := map[string]json.RawMessage{
		"deleted":          json.RawMessage("false"),
		"metadatamodified": json.RawMessage("false"),
		"modified":         json.RawMessage("false"),
		"pinned":           json.RawMessage("false"),
		"synced":           json.RawMessage("false"),
		"version":          json.RawMessage("0"),
		"lastModified":     json.RawMessage(fmt.Sprintf("%d", nowMillis)),
	}
	return Record{
		Parent:      parent,
		VisibleName: visibleName,
		Type:        t,
		Extra:       extra,
	}
}

// Load reads and parses the sidecar at path.
func Load(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("reading sidecar %s: %w", path, err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("parsing sidecar %s: %w", path, err)
	}

	return r, nil
}

// Save serializes record to path in a single write call and returns the
// inode of the resulting file.
func Save(record Record, path string) (uint64, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("marshaling sidecar: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("writing sidecar %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat sidecar %s: %w", path, err)
	}

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("stat sidecar %s: no inode info available", path)
	}

	return st.Ino, nil
}
