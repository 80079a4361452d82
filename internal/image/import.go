package image

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/banksean/xc/internal/digest"
	"github.com/banksean/xc/internal/ociimage"
	"github.com/banksean/xc/internal/ocitar"
)

// ImportLayer reads a (possibly compressed) tar layer from r, caches
// it under LayerDir by archive-digest, registers its diff-id mapping,
// and wraps it in a single-layer manifest tagged name:tag. Grounded
// on downloadLayer's digest/decompress/cache sequence in pull.go, but
// the content comes from a client-passed fd (spec §6's fd_import)
// rather than a registry session, so there is no host to record as
// the archive's origin.
func (m *Manager) ImportLayer(ctx context.Context, r io.Reader, name, tag string) (digest.Digest, error) {
	var raw bytes.Buffer
	if _, err := io.Copy(&raw, r); err != nil {
		return digest.Digest{}, fmt.Errorf("image: read import fd: %w", err)
	}
	archiveDigest := digest.Of(raw.Bytes())

	compression, body, err := ocitar.DetectCompression(bytes.NewReader(raw.Bytes()))
	if err != nil {
		return digest.Digest{}, fmt.Errorf("image: detect compression: %w", err)
	}
	dec, err := ocitar.Decompress(compression, body)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("image: decompress: %w", err)
	}
	var plain bytes.Buffer
	_, copyErr := io.Copy(&plain, dec)
	dec.Close()
	if copyErr != nil {
		return digest.Digest{}, fmt.Errorf("image: decompress import: %w", copyErr)
	}
	diffID := digest.Of(plain.Bytes())

	if err := os.WriteFile(m.blobPath(archiveDigest), raw.Bytes(), 0o644); err != nil {
		return digest.Digest{}, fmt.Errorf("image: cache imported layer %s: %w", archiveDigest, err)
	}
	if err := m.Layers.MapDiffID(ctx, diffID, archiveDigest, string(compression), ""); err != nil {
		return digest.Digest{}, fmt.Errorf("image: map diff-id %s: %w", diffID, err)
	}

	img := &ociimage.JailImage{
		SchemaVersion: 1,
		Architecture:  "amd64",
		OS:            "freebsd",
		Layers:        []digest.Digest{diffID},
	}
	newDigest, err := m.Layers.RegisterManifest(ctx, img)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("image: register imported manifest: %w", err)
	}
	if err := m.Layers.Tag(ctx, newDigest, name, tag); err != nil {
		return digest.Digest{}, fmt.Errorf("image: tag %s:%s: %w", name, tag, err)
	}
	return diffID, nil
}
