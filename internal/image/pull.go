package image

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/banksean/xc/internal/digest"
	"github.com/banksean/xc/internal/ociimage"
	"github.com/banksean/xc/internal/ocitar"
	"github.com/banksean/xc/internal/registry"
)

// ParseReference splits an image reference of the form
// "host/repo[:tag]" into its registry host, repository path, and tag
// (defaulting to "latest"), the grammar spec §6's registry protocol
// section assumes for manifest tag PUT/GET.
func ParseReference(ref string) (host, repo, tag string, err error) {
	slash := strings.IndexByte(ref, '/')
	if slash < 0 {
		return "", "", "", fmt.Errorf("image: reference %q missing registry host", ref)
	}
	host = ref[:slash]
	rest := ref[slash+1:]
	if rest == "" {
		return "", "", "", fmt.Errorf("image: reference %q missing repository", ref)
	}
	tag = "latest"
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		repo, tag = rest[:i], rest[i+1:]
	} else {
		repo = rest
	}
	return host, repo, tag, nil
}

func algoForMediaType(mediaType string) string {
	switch mediaType {
	case ociimage.MediaTypeLayerTarGzip:
		return "gzip"
	case ociimage.MediaTypeLayerTarZstd:
		return "zstd"
	default:
		return "plain"
	}
}

// Pull resolves reference against its registry, downloads every layer
// the manifest lists (the local cache is not consulted first),
// registers the assembled manifest, and tags it
// under repo/tag. Matches spec §6's pull_image surface.
func (m *Manager) Pull(ctx context.Context, reference string) (digest.Digest, error) {
	host, repo, tag, err := ParseReference(reference)
	if err != nil {
		return digest.Digest{}, err
	}
	reg := m.Registry(host)
	if reg == nil {
		return digest.Digest{}, fmt.Errorf("image: no registry configured for host %q", host)
	}
	session := reg.NewSession(repo)

	variant, err := session.QueryManifest(ctx, tag)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("image: query manifest %s: %w", reference, err)
	}
	manifest := variant.Manifest
	if manifest == nil && variant.Index != nil {
		manifest, err = session.QueryManifestTraced(ctx, tag, func(idx *ociimage.Index) *ociimage.ManifestDescriptor {
			if len(idx.Manifests) == 0 {
				return nil
			}
			return &idx.Manifests[0]
		})
		if err != nil {
			return digest.Digest{}, fmt.Errorf("image: resolve index for %s: %w", reference, err)
		}
	}
	if manifest == nil {
		return digest.Digest{}, fmt.Errorf("image: %s has no single-platform manifest to pull", reference)
	}

	var img ociimage.JailImage
	if ok, err := session.FetchBlobAs(ctx, manifest.Config.Digest, &img); err != nil {
		return digest.Digest{}, fmt.Errorf("image: fetch config %s: %w", manifest.Config.Digest, err)
	} else if !ok {
		return digest.Digest{}, fmt.Errorf("image: config blob %s not found", manifest.Config.Digest)
	}

	diffIDs := make([]digest.Digest, len(manifest.Layers))
	for i, layer := range manifest.Layers {
		diffID, err := m.downloadLayer(ctx, session, layer, host)
		if err != nil {
			return digest.Digest{}, fmt.Errorf("image: download layer %s: %w", layer.Digest, err)
		}
		diffIDs[i] = diffID
	}
	img.Layers = diffIDs

	newDigest, err := m.Layers.RegisterManifest(ctx, &img)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("image: register manifest for %s: %w", reference, err)
	}
	if err := m.Layers.Tag(ctx, newDigest, repo, tag); err != nil {
		return digest.Digest{}, fmt.Errorf("image: tag %s:%s: %w", repo, tag, err)
	}
	return newDigest, nil
}

func (m *Manager) downloadLayer(ctx context.Context, session *registry.Session, layer ociimage.Descriptor, host string) (digest.Digest, error) {
	resp, err := session.FetchBlob(ctx, layer.Digest)
	if err != nil {
		return digest.Digest{}, err
	}
	defer resp.Body.Close()

	var raw bytes.Buffer
	if _, err := io.Copy(&raw, resp.Body); err != nil {
		return digest.Digest{}, fmt.Errorf("image: read blob body: %w", err)
	}
	if got := digest.Of(raw.Bytes()); got != layer.Digest {
		return digest.Digest{}, fmt.Errorf("image: blob %s failed digest verification (got %s)", layer.Digest, got)
	}

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
		return digest.Digest{}, fmt.Errorf("image: decompress layer %s: %w", layer.Digest, copyErr)
	}
	diffID := digest.Of(plain.Bytes())

	if err := os.WriteFile(m.blobPath(layer.Digest), raw.Bytes(), 0o644); err != nil {
		return digest.Digest{}, fmt.Errorf("image: cache layer %s: %w", layer.Digest, err)
	}
	if err := m.Layers.MapDiffID(ctx, diffID, layer.Digest, algoForMediaType(layer.MediaType), host); err != nil {
		return digest.Digest{}, fmt.Errorf("image: map diff-id %s: %w", diffID, err)
	}
	return diffID, nil
}
