package ocitar

import (
	"archive/tar"
	"bytes"
	"testing"
)

func TestWriteReadRoundTripWithWhiteouts(t *testing.T) {
	var buf bytes.Buffer
	entries := []Entry{
		{Header: &tar.Header{Typeflag: tar.TypeReg, Name: "etc/motd", Mode: 0o644}, Data: []byte("hello\n")},
		{Header: &tar.Header{Typeflag: tar.TypeDir, Name: "var/log/", Mode: 0o755}},
	}
	whiteouts := []string{"usr/share/doc/removed.txt", "var/cache/"}

	if err := Write(&buf, entries, whiteouts, WriteOptions{EmitOCIWhiteouts: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	comp, r, err := DetectCompression(&buf)
	if err != nil {
		t.Fatalf("DetectCompression: %v", err)
	}
	if comp != Plain {
		t.Fatalf("compression = %v, want Plain", comp)
	}

	res, err := Read(r)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if len(res.Entries) != 2 {
		t.Fatalf("got %d entries, want 2 (whiteout markers must not surface as entries): %+v", len(res.Entries), res.Entries)
	}

	wantWhiteouts := map[string]bool{"usr/share/doc/removed.txt": true, "var/cache/": true}
	if len(res.Whiteouts) != len(wantWhiteouts) {
		t.Fatalf("got %d whiteouts, want %d: %+v", len(res.Whiteouts), len(wantWhiteouts), res.Whiteouts)
	}
	for _, w := range res.Whiteouts {
		if !wantWhiteouts[w] {
			t.Fatalf("unexpected whiteout %q", w)
		}
	}
}

func TestOCIWhiteoutNaming(t *testing.T) {
	if got := ociWhiteoutName("usr/local/bin/foo"); got != "usr/local/bin/.wh.foo" {
		t.Fatalf("ociWhiteoutName(file) = %q", got)
	}
	if got := ociWhiteoutName("var/cache/"); got != "var/cache/.wh..wh..opq" {
		t.Fatalf("ociWhiteoutName(dir) = %q", got)
	}
}

func TestDetectCompressionMagic(t *testing.T) {
	gzBytes := []byte{0x1F, 0x8B, 0x08, 0x00}
	comp, _, err := DetectCompression(bytes.NewReader(gzBytes))
	if err != nil {
		t.Fatal(err)
	}
	if comp != Gzip {
		t.Fatalf("compression = %v, want Gzip", comp)
	}

	zstdBytes := []byte{0x28, 0xB5, 0x2F, 0xFD, 0x00}
	comp, _, err = DetectCompression(bytes.NewReader(zstdBytes))
	if err != nil {
		t.Fatal(err)
	}
	if comp != Zstd {
		t.Fatalf("compression = %v, want Zstd", comp)
	}
}
