// Package image wires internal/registry, internal/layerstore,
// internal/ocitar, and internal/rootfs together into the two
// host-side effectful steps internal/server takes as closures:
// resolving/staging a container's rootfs, and extracting one layer
// archive onto a freshly staged mountpoint. It also implements the
// pull_image/push_image surface named in spec §6, grounded on
// xcd/src/image.rs's role as the glue between the registry client and
// the local layer cache.
package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/banksean/xc/internal/digest"
	"github.com/banksean/xc/internal/layerstore"
	"github.com/banksean/xc/internal/ociimage"
	"github.com/banksean/xc/internal/ocitar"
	"github.com/banksean/xc/internal/registry"
	"github.com/banksean/xc/internal/rootfs"
)

// RegistryFactory returns the client to use for a given registry
// host, so Manager never has to know how credentials are configured.
type RegistryFactory func(host string) *registry.Registry

// Manager is the concrete implementation wired into
// server.Context's Instantiate/DoCommit closures by cmd/xcd.
type Manager struct {
	Layers   *layerstore.Store
	Dataset  rootfs.Dataset
	LayerDir string // directory of layer blobs named by archive-digest, per spec §6 persisted state
	Registry RegistryFactory
}

// NewManager constructs a Manager, ensuring LayerDir exists.
func NewManager(layers *layerstore.Store, ds rootfs.Dataset, layerDir string, reg RegistryFactory) (*Manager, error) {
	if err := os.MkdirAll(layerDir, 0o755); err != nil {
		return nil, fmt.Errorf("image: create layer dir %s: %w", layerDir, err)
	}
	return &Manager{Layers: layers, Dataset: ds, LayerDir: layerDir, Registry: reg}, nil
}

func (m *Manager) blobPath(d digest.Digest) string {
	return filepath.Join(m.LayerDir, strings.ReplaceAll(d.String(), ":", "-"))
}

// EnsureRootfs matches server.Context.Instantiate's injected
// ensureRootfs closure: load the manifest, compute and stage its
// chain dataset, extracting whatever layers aren't already present in
// an existing prefix.
func (m *Manager) EnsureRootfs(ctx context.Context, imgDigest digest.Digest) (*ociimage.JailImage, string, string, error) {
	img, err := m.Layers.GetManifest(ctx, imgDigest)
	if err != nil {
		return nil, "", "", fmt.Errorf("image: load manifest %s: %w", imgDigest, err)
	}

	recipe, err := rootfs.Compute(ctx, m.Dataset, img.Layers)
	if err != nil {
		return nil, "", "", fmt.Errorf("image: compute recipe for %s: %w", imgDigest, err)
	}
	mountPoint, err := rootfs.Stage(ctx, m.Dataset, recipe)
	if err != nil {
		return nil, "", "", fmt.Errorf("image: stage rootfs for %s: %w", imgDigest, err)
	}
	for _, diffID := range recipe.ExtractLayers {
		if err := m.Extract(ctx, mountPoint, diffID); err != nil {
			return nil, "", "", fmt.Errorf("image: extract layer %s: %w", diffID, err)
		}
	}
	if err := rootfs.Finalize(ctx, m.Dataset, recipe, img.Layers); err != nil {
		return nil, "", "", fmt.Errorf("image: finalize rootfs for %s: %w", imgDigest, err)
	}
	return img, mountPoint, recipe.Target, nil
}

// Extract matches server.LayerExtractor: unpack the cached archive
// for diffID onto mountPoint, applying OCI/ustar whiteouts.
func (m *Manager) Extract(ctx context.Context, mountPoint string, diffID digest.Digest) error {
	archives, err := m.Layers.QueryArchives(ctx, diffID)
	if err != nil {
		return fmt.Errorf("image: query archives for %s: %w", diffID, err)
	}
	if len(archives) == 0 {
		return fmt.Errorf("image: no known archive for diff-id %s", diffID)
	}

	f, err := os.Open(m.blobPath(archives[0].ArchiveDigest))
	if err != nil {
		return fmt.Errorf("image: open cached layer %s: %w", archives[0].ArchiveDigest, err)
	}
	defer f.Close()

	compression, body, err := ocitar.DetectCompression(f)
	if err != nil {
		return fmt.Errorf("image: detect compression: %w", err)
	}
	dec, err := ocitar.Decompress(compression, body)
	if err != nil {
		return fmt.Errorf("image: decompress layer %s: %w", diffID, err)
	}
	defer dec.Close()

	result, err := ocitar.Read(dec)
	if err != nil {
		return fmt.Errorf("image: read layer %s: %w", diffID, err)
	}
	return applyLayer(mountPoint, result)
}
