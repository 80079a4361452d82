package rootfs

import (
	"context"
	"testing"

	"github.com/banksean/xc/internal/digest"
)

type fakeDataset struct {
	existing   map[string]bool
	properties map[string]map[string]string
	snapshots  map[string]bool
	mountPoint map[string]string
}

func newFakeDataset() *fakeDataset {
	return &fakeDataset{
		existing:   map[string]bool{},
		properties: map[string]map[string]string{},
		snapshots:  map[string]bool{},
		mountPoint: map[string]string{},
	}
}

func (f *fakeDataset) Exists(_ context.Context, name string) (bool, error) {
	return f.existing[name], nil
}

func (f *fakeDataset) Clone(_ context.Context, snapshot, target string) error {
	f.existing[target] = true
	f.mountPoint[target] = "/xc/" + target
	return nil
}

func (f *fakeDataset) Promote(_ context.Context, dataset string) error { return nil }

func (f *fakeDataset) Snapshot(_ context.Context, dataset, tag string) error {
	f.snapshots[dataset+"@"+tag] = true
	return nil
}

func (f *fakeDataset) Create(_ context.Context, dataset string) error {
	f.existing[dataset] = true
	f.mountPoint[dataset] = "/xc/" + dataset
	return nil
}

func (f *fakeDataset) SetProperty(_ context.Context, dataset, key, value string) error {
	if f.properties[dataset] == nil {
		f.properties[dataset] = map[string]string{}
	}
	f.properties[dataset][key] = value
	return nil
}

func (f *fakeDataset) MountPoint(_ context.Context, dataset string) (string, error) {
	return f.mountPoint[dataset], nil
}

func hexOf(t *testing.T, n byte) digest.Digest {
	t.Helper()
	return digest.Of([]byte{n})
}

func TestComputeNoExistingPrefixExtractsEverything(t *testing.T) {
	ctx := context.Background()
	ds := newFakeDataset()
	diffIDs := []digest.Digest{hexOf(t, 1), hexOf(t, 2), hexOf(t, 3)}

	r, err := Compute(ctx, ds, diffIDs)
	if err != nil {
		t.Fatal(err)
	}
	if r.Source != "" {
		t.Fatalf("expected no source, got %q", r.Source)
	}
	if len(r.ExtractLayers) != 3 {
		t.Fatalf("expected all 3 layers to be extracted, got %d", len(r.ExtractLayers))
	}
}

func TestComputeFindsLongestExistingPrefix(t *testing.T) {
	ctx := context.Background()
	ds := newFakeDataset()
	diffIDs := []digest.Digest{hexOf(t, 1), hexOf(t, 2), hexOf(t, 3)}

	c0, _ := digest.Chain(diffIDs[:1])
	c1, _ := digest.Chain(diffIDs[:2])
	ds.existing[chainDataset(c0)] = true
	ds.existing[chainDataset(c1)] = true

	r, err := Compute(ctx, ds, diffIDs)
	if err != nil {
		t.Fatal(err)
	}
	if r.SourceIndex != 1 {
		t.Fatalf("SourceIndex = %d, want 1", r.SourceIndex)
	}
	if r.Source != chainDataset(c1) {
		t.Fatalf("Source = %q, want %q", r.Source, chainDataset(c1))
	}
	if len(r.ExtractLayers) != 1 || r.ExtractLayers[0] != diffIDs[2] {
		t.Fatalf("ExtractLayers = %+v, want just the last layer", r.ExtractLayers)
	}
}

func TestStageAndFinalize(t *testing.T) {
	ctx := context.Background()
	ds := newFakeDataset()
	diffIDs := []digest.Digest{hexOf(t, 1)}

	r, err := Compute(ctx, ds, diffIDs)
	if err != nil {
		t.Fatal(err)
	}
	mp, err := Stage(ctx, ds, r)
	if err != nil {
		t.Fatal(err)
	}
	if mp == "" {
		t.Fatalf("expected non-empty mount point")
	}
	if err := Finalize(ctx, ds, r, diffIDs); err != nil {
		t.Fatal(err)
	}
	if !ds.snapshots[r.Target+"@xc"] {
		t.Fatalf("expected target to be snapshotted @xc")
	}
	if ds.properties[r.Target]["xc:chain_id"] != r.ChainID.String() {
		t.Fatalf("chain_id property not set correctly")
	}
}

type noMountDataset struct{ *fakeDataset }

func (n noMountDataset) Create(_ context.Context, dataset string) error {
	n.existing[dataset] = true // mount point deliberately left unset
	return nil
}

func TestStageNoMountPoint(t *testing.T) {
	ctx := context.Background()
	ds := noMountDataset{newFakeDataset()}
	diffIDs := []digest.Digest{hexOf(t, 1)}
	r, err := Compute(ctx, ds, diffIDs)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Stage(ctx, ds, r); err == nil {
		t.Fatalf("expected NoMountPoint error")
	}
}
