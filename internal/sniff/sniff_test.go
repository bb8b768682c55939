package sniff

import "testing"

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		head []byte
		ext  Ext
		ok   bool
	}{
		{"pdf", []byte("%PDF-1.4\n%...\n"), PDF, true},
		{"epub", []byte{0x50, 0x4b, 0x03, 0x04, 0x14, 0x00}, EPUB, true},
		{"rm", []byte("reMarkable .lines file, version=6          "), RMLINES, true},
		{"unknown", []byte("random text"), "", false},
		{"empty", nil, "", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ext, ok := Detect(c.head)
			if ok != c.ok {
				t.Fatalf("Detect(%q) ok = %v, want %v", c.head, ok, c.ok)
			}
			if ext != c.ext {
				t.Fatalf("Detect(%q) ext = %v, want %v", c.head, ext, c.ext)
			}
		})
	}
}
