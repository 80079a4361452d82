// Package ociimage holds the OCI-compatible wire shapes (spec §6) and
// the xc-specific JailImage manifest (spec §3), grounded on
// original_source/oci_util/src/models.rs.
package ociimage

import (
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/banksean/xc/internal/digest"
)

// Manifest media types recognized for query_manifest dispatch (§6).
const (
	MediaTypeOCIIndex           = ispec.MediaTypeImageIndex
	MediaTypeOCIManifest        = ispec.MediaTypeImageManifest
	MediaTypeOCIArtifactManifest = "application/vnd.oci.artifact.manifest.v1+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
)

// Layer media types, detected/produced by internal/ocitar.
const (
	MediaTypeLayerTar       = ispec.MediaTypeImageLayer
	MediaTypeLayerTarGzip   = ispec.MediaTypeImageLayerGzip
	MediaTypeLayerTarZstd   = ispec.MediaTypeImageLayerZstd
)

// Descriptor identifies a content-addressable blob.
type Descriptor struct {
	MediaType string        `json:"mediaType"`
	Size      int64         `json:"size"`
	Digest    digest.Digest `json:"digest"`
}

// Platform is the minimal platform selector carried by index entries.
type Platform struct {
	Architecture string   `json:"architecture"`
	OS           string   `json:"os"`
	OSVersion    string   `json:"os.version,omitempty"`
	OSFeatures   []string `json:"os.features,omitempty"`
	Variant      string   `json:"variant,omitempty"`
}

// ManifestDescriptor is one entry of a multi-arch index.
type ManifestDescriptor struct {
	MediaType    string            `json:"mediaType"`
	Size         int64             `json:"size"`
	Digest       digest.Digest     `json:"digest"`
	Platform     Platform          `json:"platform"`
	ArtifactType string            `json:"artifactType,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// Index is a multi-platform manifest list.
type Index struct {
	SchemaVersion int                   `json:"schemaVersion"`
	MediaType     string                `json:"mediaType"`
	Manifests     []ManifestDescriptor  `json:"manifests"`
}

// Manifest is a single-platform image manifest (config + layers).
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// Artifact is a non-image artifact manifest.
type Artifact struct {
	MediaType    string            `json:"mediaType"`
	ArtifactType string            `json:"artifactType"`
	Blobs        []Descriptor      `json:"blobs"`
	Subject      Descriptor        `json:"subject"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// ManifestVariant is the three-way result of QueryManifest (§4.7).
type ManifestVariant struct {
	Manifest *Manifest
	Index    *Index
	Artifact *Artifact
}
