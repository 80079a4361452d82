// Package ocitar implements the layer archive format of spec §6: a
// USTAR stream with OCI whiteouts (".wh.<name>" and
// ".wh..wh..opq") plus a global PAX extended header,
// "PaxHeader/WhiteOuts", recording the same paths as JSON — so a
// reader that doesn't special-case individual whiteout entries can
// still recover the full whiteout set in one place. Compression
// (zstd, gzip, or plain) is detected by magic bytes, grounded on
// original_source/ocitar/src/tar.rs.
package ocitar

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const whiteoutExtensionName = "PaxHeader/WhiteOuts"
const whiteoutVersion = 1

var (
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	gzipMagic = []byte{0x1F, 0x8B}
)

// Compression names the detected or requested codec.
type Compression string

const (
	Plain Compression = "plain"
	Gzip  Compression = "gzip"
	Zstd  Compression = "zstd"
)

type whiteoutExtension struct {
	Version   int      `json:"version"`
	Whiteouts []string `json:"whiteouts"`
}

// DetectCompression sniffs the first bytes of r to determine whether
// the stream is zstd, gzip, or a plain tar, per spec §6's magic-byte
// rule, returning a reader with those bytes restored.
func DetectCompression(r io.Reader) (Compression, io.Reader, error) {
	br := bufio.NewReaderSize(r, 4)
	magic, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return "", nil, fmt.Errorf("ocitar: sniff magic: %w", err)
	}
	switch {
	case len(magic) >= 4 && string(magic) == string(zstdMagic):
		return Zstd, br, nil
	case len(magic) >= 2 && string(magic[:2]) == string(gzipMagic):
		return Gzip, br, nil
	default:
		return Plain, br, nil
	}
}

// Decompress wraps r with the decoder implied by compression.
func Decompress(compression Compression, r io.Reader) (io.ReadCloser, error) {
	switch compression {
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("ocitar: zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("ocitar: gzip reader: %w", err)
		}
		return gz, nil
	case Plain:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("ocitar: unknown compression %q", compression)
	}
}

// Entry is one file recovered from an archive.
type Entry struct {
	Header *tar.Header
	Data   []byte
}

// ReadResult is the outcome of fully reading a layer archive.
type ReadResult struct {
	Entries   []Entry
	Whiteouts []string // paths removed by either whiteout mechanism
}

// WriteOptions controls whiteout emission (spec §6: OCI whiteout
// files must be emitted "unless disabled").
type WriteOptions struct {
	EmitOCIWhiteouts bool
}

// Write streams entries into w as a plain USTAR archive, with a
// leading global PAX header carrying the whiteout set as JSON, and
// (unless disabled) per-path ".wh." / ".wh..wh..opq" marker entries.
func Write(w io.Writer, entries []Entry, whiteouts []string, opts WriteOptions) error {
	tw := tar.NewWriter(w)

	if len(whiteouts) > 0 {
		ext := whiteoutExtension{Version: whiteoutVersion, Whiteouts: whiteouts}
		body, err := json.Marshal(ext)
		if err != nil {
			return fmt.Errorf("ocitar: marshal whiteout extension: %w", err)
		}
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeXGlobalHeader,
			Name:     whiteoutExtensionName,
			PAXRecords: map[string]string{
				"whiteouts": string(body),
			},
			Size: 0,
		}); err != nil {
			return fmt.Errorf("ocitar: write whiteout global header: %w", err)
		}
	}

	for _, e := range entries {
		h := *e.Header
		h.Size = int64(len(e.Data))
		if err := tw.WriteHeader(&h); err != nil {
			return fmt.Errorf("ocitar: write header %s: %w", h.Name, err)
		}
		if h.Typeflag == tar.TypeReg {
			if _, err := tw.Write(e.Data); err != nil {
				return fmt.Errorf("ocitar: write data %s: %w", h.Name, err)
			}
		}
	}

	if opts.EmitOCIWhiteouts {
		for _, wo := range whiteouts {
			name := ociWhiteoutName(wo)
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Size:     0,
				Mode:     0o600,
			}); err != nil {
				return fmt.Errorf("ocitar: write oci whiteout %s: %w", name, err)
			}
		}
	}

	return tw.Close()
}

// ociWhiteoutName renders "dir/.wh.name" for a removed path "dir/name",
// or ".wh..wh..opq" for an opaque-directory marker path ending in "/".
func ociWhiteoutName(p string) string {
	if strings.HasSuffix(p, "/") {
		return strings.TrimSuffix(p, "/") + "/.wh..wh..opq"
	}
	dir, base := path.Split(p)
	return dir + ".wh." + base
}

// Read consumes a full (already-decompressed) tar stream, collecting
// whiteouts from both the global PAX extension and individual OCI
// whiteout marker entries.
func Read(r io.Reader) (*ReadResult, error) {
	tr := tar.NewReader(r)
	result := &ReadResult{}
	seen := make(map[string]bool)

	addWhiteout := func(p string) {
		if !seen[p] {
			seen[p] = true
			result.Whiteouts = append(result.Whiteouts, p)
		}
	}

	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ocitar: read header: %w", err)
		}

		if h.Typeflag == tar.TypeXGlobalHeader && h.Name == whiteoutExtensionName {
			if raw, ok := h.PAXRecords["whiteouts"]; ok {
				var ext whiteoutExtension
				if err := json.Unmarshal([]byte(raw), &ext); err != nil {
					return nil, fmt.Errorf("ocitar: unmarshal whiteout extension: %w", err)
				}
				for _, p := range ext.Whiteouts {
					addWhiteout(p)
				}
			}
			continue
		}

		if base := path.Base(h.Name); base == ".wh..wh..opq" {
			addWhiteout(strings.TrimSuffix(h.Name, ".wh..wh..opq"))
			continue
		}
		if base := path.Base(h.Name); strings.HasPrefix(base, ".wh.") {
			addWhiteout(path.Join(path.Dir(h.Name), strings.TrimPrefix(base, ".wh.")))
			continue
		}

		data := []byte(nil)
		if h.Typeflag == tar.TypeReg {
			data, err = io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("ocitar: read data %s: %w", h.Name, err)
			}
		}
		hc := *h
		result.Entries = append(result.Entries, Entry{Header: &hc, Data: data})
	}

	return result, nil
}
