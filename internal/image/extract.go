package image

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banksean/xc/internal/ocitar"
)

// applyLayer materializes a read layer archive onto root: whiteouts
// first removes paths the layer marks deleted, then every entry is
// written by type, mirroring the "apply a layer diff to a rootfs"
// step spec §6 describes the archive format for but leaves to the
// implementation.
func applyLayer(root string, result *ocitar.ReadResult) error {
	for _, w := range result.Whiteouts {
		target := filepath.Join(root, filepath.FromSlash(w))
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("image: apply whiteout %s: %w", w, err)
		}
	}

	for _, entry := range result.Entries {
		if isWhiteoutName(entry.Header.Name) {
			continue
		}
		target := filepath.Join(root, filepath.FromSlash(entry.Header.Name))
		if err := applyEntry(target, entry); err != nil {
			return err
		}
	}
	return nil
}

func applyEntry(target string, entry ocitar.Entry) error {
	switch entry.Header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(entry.Header.Mode&0o7777))
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("image: mkdir parent of %s: %w", target, err)
		}
		_ = os.Remove(target)
		return os.Symlink(entry.Header.Linkname, target)
	case tar.TypeLink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("image: mkdir parent of %s: %w", target, err)
		}
		_ = os.Remove(target)
		return os.Link(filepath.Join(filepath.Dir(target), filepath.Base(entry.Header.Linkname)), target)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("image: mkdir parent of %s: %w", target, err)
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(entry.Header.Mode&0o7777))
		if err != nil {
			return fmt.Errorf("image: create %s: %w", target, err)
		}
		defer f.Close()
		if _, err := io.Copy(f, bytes.NewReader(entry.Data)); err != nil {
			return fmt.Errorf("image: write %s: %w", target, err)
		}
		return nil
	default:
		return nil
	}
}

func isWhiteoutName(name string) bool {
	base := filepath.Base(name)
	return len(base) >= 4 && base[:4] == ".wh." || base == ".wh..wh..opq"
}
