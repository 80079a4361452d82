// Package layerstore implements the content-addressable layer cache
// and the diff-id/archive-digest/manifest/tag database of spec §4.6.
package layerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/banksean/xc/internal/digest"
	"github.com/banksean/xc/internal/ociimage"
)

// Archive is one known on-disk representation of a layer's diff-id.
type Archive struct {
	DiffID        digest.Digest
	ArchiveDigest digest.Digest
	Algo          string // "plain", "gzip", "zstd"
	Origin        string // origin registry, empty for the identity row
}

// Store wraps the shared sqlite handle with the layer_archives,
// manifests, and tags tables.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// MapDiffID records a representation of diffID and, idempotently,
// the identity row (diffID, diffID, "plain"), so uncompressed layers
// always resolve trivially (spec §4.6, §8 invariant).
func (s *Store) MapDiffID(ctx context.Context, diffID, archiveDigest digest.Digest, algo, origin string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("layerstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertArchive(ctx, tx, diffID, diffID, "plain", ""); err != nil {
		return err
	}
	if err := upsertArchive(ctx, tx, diffID, archiveDigest, algo, origin); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertArchive(ctx context.Context, tx *sql.Tx, diffID, archiveDigest digest.Digest, algo, origin string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO layer_archives (diff_id, archive_digest, algo, origin)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (diff_id, archive_digest) DO UPDATE SET algo = excluded.algo, origin = excluded.origin
	`, diffID.String(), archiveDigest.String(), algo, nullableString(origin))
	if err != nil {
		return fmt.Errorf("layerstore: map diff-id %s -> %s: %w", diffID, archiveDigest, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// QueryArchives returns every known representation of diffID.
func (s *Store) QueryArchives(ctx context.Context, diffID digest.Digest) ([]Archive, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT diff_id, archive_digest, algo, COALESCE(origin, '') FROM layer_archives WHERE diff_id = ?`,
		diffID.String())
	if err != nil {
		return nil, fmt.Errorf("layerstore: query archives: %w", err)
	}
	defer rows.Close()

	var out []Archive
	for rows.Next() {
		var diffStr, archStr, algo, origin string
		if err := rows.Scan(&diffStr, &archStr, &algo, &origin); err != nil {
			return nil, err
		}
		d, err := digest.Parse(diffStr)
		if err != nil {
			return nil, err
		}
		a, err := digest.Parse(archStr)
		if err != nil {
			return nil, err
		}
		out = append(out, Archive{DiffID: d, ArchiveDigest: a, Algo: algo, Origin: origin})
	}
	return out, rows.Err()
}

// RegisterManifest marshals and stores the manifest, keyed by its own
// content digest — the canonical image identity (spec §3 invariant).
func (s *Store) RegisterManifest(ctx context.Context, manifest *ociimage.JailImage) (digest.Digest, error) {
	body, err := json.Marshal(manifest)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("layerstore: marshal manifest: %w", err)
	}
	d := digest.Of(body)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO manifests (digest, manifest_json) VALUES (?, ?) ON CONFLICT (digest) DO NOTHING`,
		d.String(), string(body))
	if err != nil {
		return digest.Digest{}, fmt.Errorf("layerstore: register manifest: %w", err)
	}
	return d, nil
}

// GetManifest loads a manifest by its digest.
func (s *Store) GetManifest(ctx context.Context, d digest.Digest) (*ociimage.JailImage, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT manifest_json FROM manifests WHERE digest = ?`, d.String()).Scan(&body)
	if err != nil {
		return nil, fmt.Errorf("layerstore: get manifest %s: %w", d, err)
	}
	var m ociimage.JailImage
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, fmt.Errorf("layerstore: unmarshal manifest %s: %w", d, err)
	}
	return &m, nil
}

// Tag upserts the (name, tag) -> digest pointer.
func (s *Store) Tag(ctx context.Context, d digest.Digest, name, tag string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (name, tag, digest) VALUES (?, ?, ?)
		ON CONFLICT (name, tag) DO UPDATE SET digest = excluded.digest
	`, name, tag, d.String())
	if err != nil {
		return fmt.Errorf("layerstore: tag %s:%s -> %s: %w", name, tag, d, err)
	}
	return nil
}

// Untag removes a single (name, tag) pointer.
func (s *Store) Untag(ctx context.Context, name, tag string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE name = ? AND tag = ?`, name, tag)
	if err != nil {
		return fmt.Errorf("layerstore: untag %s:%s: %w", name, tag, err)
	}
	return nil
}

// ResolveTag returns the manifest digest named by (name, tag).
func (s *Store) ResolveTag(ctx context.Context, name, tag string) (digest.Digest, error) {
	var digestStr string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM tags WHERE name = ? AND tag = ?`, name, tag).Scan(&digestStr)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("layerstore: resolve tag %s:%s: %w", name, tag, err)
	}
	return digest.Parse(digestStr)
}

// TagRef is one (name, tag) -> digest pointer.
type TagRef struct {
	Name   string
	Tag    string
	Digest digest.Digest
}

// ListAllTags returns every tag registered for name.
func (s *Store) ListAllTags(ctx context.Context, name string) ([]TagRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, tag, digest FROM tags WHERE name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("layerstore: list tags for %s: %w", name, err)
	}
	defer rows.Close()

	var out []TagRef
	for rows.Next() {
		var ref TagRef
		var digestStr string
		if err := rows.Scan(&ref.Name, &ref.Tag, &digestStr); err != nil {
			return nil, err
		}
		if ref.Digest, err = digest.Parse(digestStr); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// ListAllImages returns every (name, tag) -> digest pointer in the
// store, for spec §6's list_all_images — the unfiltered counterpart
// to ListAllTags.
func (s *Store) ListAllImages(ctx context.Context) ([]TagRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, tag, digest FROM tags`)
	if err != nil {
		return nil, fmt.Errorf("layerstore: list all images: %w", err)
	}
	defer rows.Close()

	var out []TagRef
	for rows.Next() {
		var ref TagRef
		var digestStr string
		if err := rows.Scan(&ref.Name, &ref.Tag, &digestStr); err != nil {
			return nil, err
		}
		if ref.Digest, err = digest.Parse(digestStr); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// PurgeUntaggedManifests deletes every manifest with no referencing
// tag. Tagged manifests are never deleted (spec §4.6 invariant).
func (s *Store) PurgeUntaggedManifests(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM manifests WHERE digest NOT IN (SELECT DISTINCT digest FROM tags)
	`)
	if err != nil {
		return 0, fmt.Errorf("layerstore: purge untagged manifests: %w", err)
	}
	return res.RowsAffected()
}

// AllTaggedDigests returns every manifest digest currently reachable
// via a tag — the root set for purge_images' reachability walk (§4.12).
func (s *Store) AllTaggedDigests(ctx context.Context) ([]digest.Digest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT digest FROM manifests WHERE digest IN (SELECT digest FROM tags)`)
	if err != nil {
		return nil, fmt.Errorf("layerstore: all tagged digests: %w", err)
	}
	defer rows.Close()
	var out []digest.Digest
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		d, err := digest.Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
