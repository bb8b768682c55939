// Package sniff identifies a payload's type from its leading bytes. The
// recognized set is fixed by the storage format: PDF, EPUB, and the
// reMarkable ".rm" lines format. No general-purpose magic-byte library in
// the dependency pack covers this (see DESIGN.md); the three signatures are
// few enough, and specific enough to this store, to hand-roll directly.
package sniff

import "bytes"

// Ext is one of the three recognized payload extensions.
type Ext string

const (
	PDF     Ext = "pdf"
	EPUB    Ext = "epub"
	RMLINES Ext = "rm"
)

var (
	pdfMagic = []byte("%PDF-")
	// EPUB is a zip archive; the local file header signature is the only
	// reliable magic available without unzipping and inspecting
	// mimetype/mediatype, which xochitl's own writer doesn't bother with
	// either.
	zipMagic = []byte{0x50, 0x4b, 0x03, 0x04}
	// reMarkable's ".rm" lines format begins with a fixed ASCII header
	// naming the format and a version number.
	rmMagic = []byte("reMarkable")
)

// Detect inspects the first bytes of a payload and returns the recognized
// extension, or ok=false if nothing matched.
func Detect(head []byte) (ext Ext, ok bool) {
	switch {
	case bytes.HasPrefix(head, pdfMagic):
		return PDF, true
	case bytes.HasPrefix(head, zipMagic):
		return EPUB, true
	case bytes.HasPrefix(head, rmMagic):
		return RMLINES, true
	default:
		return "", false
	}
}
