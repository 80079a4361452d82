package layerstore

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/banksean/xc/internal/digest"
	"github.com/banksean/xc/internal/ociimage"
	"github.com/banksean/xc/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(t.TempDir() + "/xc.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestMapDiffIDAlwaysKeepsIdentityRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	diffID := digest.Of([]byte("layer contents"))
	archiveDigest := digest.Of([]byte("compressed layer bytes"))

	if err := s.MapDiffID(ctx, diffID, archiveDigest, "gzip", "registry.example.com"); err != nil {
		t.Fatal(err)
	}
	// Repeat to assert idempotency.
	if err := s.MapDiffID(ctx, diffID, archiveDigest, "gzip", "registry.example.com"); err != nil {
		t.Fatal(err)
	}

	archives, err := s.QueryArchives(ctx, diffID)
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 2 {
		t.Fatalf("QueryArchives returned %d rows, want exactly 2 (identity + gzip)", len(archives))
	}

	var sawIdentity, sawGzip bool
	for _, a := range archives {
		if a.ArchiveDigest == diffID && a.Algo == "plain" {
			sawIdentity = true
		}
		if a.ArchiveDigest == archiveDigest && a.Algo == "gzip" {
			sawGzip = true
		}
	}
	if !sawIdentity || !sawGzip {
		t.Fatalf("missing expected rows: %+v", archives)
	}
}

func TestTagRoundTripAndPurge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	img := &ociimage.JailImage{SchemaVersion: 1, Architecture: "amd64", OS: "freebsd"}
	d, err := s.RegisterManifest(ctx, img)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Tag(ctx, d, "test", "v1"); err != nil {
		t.Fatal(err)
	}

	got, err := s.ResolveTag(ctx, "test", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if got != d {
		t.Fatalf("ResolveTag = %v, want %v", got, d)
	}

	if _, err := s.PurgeUntaggedManifests(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetManifest(ctx, d); err != nil {
		t.Fatalf("purge deleted a tagged manifest: %v", err)
	}

	if err := s.Untag(ctx, "test", "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PurgeUntaggedManifests(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetManifest(ctx, d); err == nil {
		t.Fatalf("expected untagged manifest to be purged")
	}
}
