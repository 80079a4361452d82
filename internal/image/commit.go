package image

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/banksean/xc/internal/digest"
	"github.com/banksean/xc/internal/ocitar"
)

// Archive implements site.Archiver: it tars the dataset's current
// mountpoint (taken immediately after the caller's snapshot, so the
// live tree and the snapshot agree), compresses it with zstd, caches
// the result under LayerDir, and reports both the uncompressed
// diff-id and the compressed archive's digest for
// server.Context.DoCommit to record via layerstore.MapDiffID.
func (m *Manager) Archive(ctx context.Context, dataset, snapshotTag string) (diffID, archiveDigest digest.Digest, err error) {
	mountPoint, err := m.Dataset.MountPoint(ctx, dataset)
	if err != nil {
		return digest.Digest{}, digest.Digest{}, fmt.Errorf("image: mountpoint %s: %w", dataset, err)
	}

	entries, err := walkTree(mountPoint)
	if err != nil {
		return digest.Digest{}, digest.Digest{}, fmt.Errorf("image: walk %s: %w", mountPoint, err)
	}

	var plain bytes.Buffer
	if err := ocitar.Write(&plain, entries, nil, ocitar.WriteOptions{EmitOCIWhiteouts: true}); err != nil {
		return digest.Digest{}, digest.Digest{}, fmt.Errorf("image: write archive for %s@%s: %w", dataset, snapshotTag, err)
	}
	diffID = digest.Of(plain.Bytes())

	var compressed bytes.Buffer
	zw, err := zstd.NewWriter(&compressed)
	if err != nil {
		return digest.Digest{}, digest.Digest{}, fmt.Errorf("image: zstd writer: %w", err)
	}
	if _, err := zw.Write(plain.Bytes()); err != nil {
		return digest.Digest{}, digest.Digest{}, fmt.Errorf("image: zstd write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return digest.Digest{}, digest.Digest{}, fmt.Errorf("image: zstd close: %w", err)
	}
	archiveDigest = digest.Of(compressed.Bytes())

	if err := os.WriteFile(m.blobPath(archiveDigest), compressed.Bytes(), 0o644); err != nil {
		return digest.Digest{}, digest.Digest{}, fmt.Errorf("image: cache archive %s: %w", archiveDigest, err)
	}
	return diffID, archiveDigest, nil
}

func walkTree(root string) ([]ocitar.Entry, error) {
	var entries []ocitar.Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var linkname string
		if info.Mode()&os.ModeSymlink != 0 {
			linkname, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("image: readlink %s: %w", path, err)
			}
		}
		hdr, err := tar.FileInfoHeader(info, linkname)
		if err != nil {
			return fmt.Errorf("image: tar header for %s: %w", path, err)
		}
		hdr.Name = filepath.ToSlash(rel)

		var data []byte
		if info.Mode().IsRegular() {
			data, err = os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("image: read %s: %w", path, err)
			}
		}
		entries = append(entries, ocitar.Entry{Header: hdr, Data: data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
