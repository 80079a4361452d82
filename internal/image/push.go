package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/banksean/xc/internal/digest"
	"github.com/banksean/xc/internal/ociimage"
	"github.com/banksean/xc/internal/registry"
)

// Push uploads name:tag's manifest and every layer it references that
// isn't already present on host, registers the manifest, and tags it.
// Matches spec §6's push_image surface.
func (m *Manager) Push(ctx context.Context, name, tag, host string) (digest.Digest, error) {
	reg := m.Registry(host)
	if reg == nil {
		return digest.Digest{}, fmt.Errorf("image: no registry configured for host %q", host)
	}
	session := reg.NewSession(name)

	d, err := m.Layers.ResolveTag(ctx, name, tag)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("image: resolve %s:%s: %w", name, tag, err)
	}
	img, err := m.Layers.GetManifest(ctx, d)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("image: load manifest %s: %w", d, err)
	}

	layers := make([]ociimage.Descriptor, len(img.Layers))
	for i, diffID := range img.Layers {
		desc, err := m.pushLayer(ctx, session, diffID)
		if err != nil {
			return digest.Digest{}, fmt.Errorf("image: push layer %s: %w", diffID, err)
		}
		layers[i] = desc
	}

	configBody, err := json.Marshal(img)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("image: marshal config: %w", err)
	}
	configDesc, err := session.UploadContent(ctx, "application/vnd.oci.image.config.v1+json", bytes.NewReader(configBody))
	if err != nil {
		return digest.Digest{}, fmt.Errorf("image: upload config: %w", err)
	}

	manifest := &ociimage.Manifest{
		SchemaVersion: 2,
		MediaType:     ociimage.MediaTypeOCIManifest,
		Config:        configDesc,
		Layers:        layers,
	}
	if _, err := session.RegisterManifest(ctx, tag, manifest); err != nil {
		return digest.Digest{}, fmt.Errorf("image: register manifest %s:%s: %w", name, tag, err)
	}
	return d, nil
}

func (m *Manager) pushLayer(ctx context.Context, session *registry.Session, diffID digest.Digest) (ociimage.Descriptor, error) {
	archives, err := m.Layers.QueryArchives(ctx, diffID)
	if err != nil {
		return ociimage.Descriptor{}, err
	}
	if len(archives) == 0 {
		return ociimage.Descriptor{}, fmt.Errorf("image: no known archive for diff-id %s", diffID)
	}
	best := archives[0]
	for _, a := range archives {
		if a.Algo != "plain" {
			best = a
			break
		}
	}

	exists, err := session.HeadBlob(ctx, best.ArchiveDigest)
	if err != nil {
		return ociimage.Descriptor{}, err
	}
	if exists {
		fi, err := os.Stat(m.blobPath(best.ArchiveDigest))
		if err != nil {
			return ociimage.Descriptor{}, fmt.Errorf("image: stat cached layer %s: %w", best.ArchiveDigest, err)
		}
		return ociimage.Descriptor{MediaType: mediaTypeForAlgo(best.Algo), Size: fi.Size(), Digest: best.ArchiveDigest}, nil
	}

	f, err := os.Open(m.blobPath(best.ArchiveDigest))
	if err != nil {
		return ociimage.Descriptor{}, fmt.Errorf("image: open cached layer %s: %w", best.ArchiveDigest, err)
	}
	defer f.Close()

	return session.UploadContentKnownDigest(ctx, best.ArchiveDigest, mediaTypeForAlgo(best.Algo), f)
}

func mediaTypeForAlgo(algo string) string {
	switch algo {
	case "gzip":
		return ociimage.MediaTypeLayerTarGzip
	case "zstd":
		return ociimage.MediaTypeLayerTarZstd
	default:
		return ociimage.MediaTypeLayerTar
	}
}
