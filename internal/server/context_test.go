package server

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	_ "modernc.org/sqlite"

	"github.com/banksean/xc/internal/addralloc"
	"github.com/banksean/xc/internal/devfs"
	"github.com/banksean/xc/internal/digest"
	"github.com/banksean/xc/internal/layerstore"
	"github.com/banksean/xc/internal/ociimage"
	"github.com/banksean/xc/internal/portfwd"
	"github.com/banksean/xc/internal/runner"
	"github.com/banksean/xc/internal/site"
	"github.com/banksean/xc/internal/store"
)

type fakeHost struct {
	mu        sync.Mutex
	log       []string
	failMount bool
}

func (h *fakeHost) record(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log = append(h.log, s)
}

func (h *fakeHost) CreatePFAnchor(_ context.Context, name string) error {
	h.record("anchor:" + name)
	return nil
}
func (h *fakeHost) RemovePFAnchor(_ context.Context, name string) error {
	h.record("unanchor:" + name)
	return nil
}
func (h *fakeHost) WriteResolvConf(_ context.Context, root, contents string) error { return nil }
func (h *fakeHost) SetDevfsRuleset(_ context.Context, root string, ruleset uint16) error {
	return nil
}
func (h *fakeHost) MountDevfs(_ context.Context, root string) error { return nil }
func (h *fakeHost) Mount(_ context.Context, root string, m site.MountSpec) error {
	if h.failMount {
		return errors.New("mount failed")
	}
	return nil
}
func (h *fakeHost) Unmount(_ context.Context, target string) error                  { return nil }
func (h *fakeHost) CopyFile(_ context.Context, src, dst string) error               { return nil }
func (h *fakeHost) CreateEpair(_ context.Context) (string, string, error)           { return "a", "b", nil }
func (h *fakeHost) BringUp(_ context.Context, iface string) error                   { return nil }
func (h *fakeHost) AddToBridge(_ context.Context, bridge, iface string) error       { return nil }
func (h *fakeHost) DestroyEpair(_ context.Context, sideA string) error              { return nil }
func (h *fakeHost) AddAlias(_ context.Context, iface string, addr netip.Prefix) error {
	return nil
}
func (h *fakeHost) DeleteAlias(_ context.Context, iface string, addr netip.Prefix) error {
	return nil
}
func (h *fakeHost) ApplyAllowFlags(_ context.Context, jid string, flags []string, linux, linprocfs, linsysfs bool) error {
	return nil
}
func (h *fakeHost) StartJail(_ context.Context, jailID, root string) (string, error) {
	return "jail-" + jailID, nil
}
func (h *fakeHost) UnjailIface(_ context.Context, jid, iface string) error { return nil }
func (h *fakeHost) MoveIntoJail(_ context.Context, jid, iface string) error { return nil }
func (h *fakeHost) AssignAddress(_ context.Context, jid, iface string, addr netip.Prefix) error {
	return nil
}
func (h *fakeHost) AddDefaultRoute(_ context.Context, jid string, gw netip.Addr) error { return nil }
func (h *fakeHost) ReleaseAddress(_ context.Context, addr netip.Prefix) error          { return nil }

// fakeSpawner never forks a real process; it synthesizes pids from a
// counter and immediately reports a zero exit code on Wait.
type fakeSpawner struct {
	mu   sync.Mutex
	next int
}

func (s *fakeSpawner) Spawn(_ context.Context, _ runner.ExecSpec) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next, nil
}
func (s *fakeSpawner) Kill(pid int, sig unix.Signal) error { return nil }
func (s *fakeSpawner) Wait(pid int) (int, error)           { return 0, nil }

// fakeDataset is an in-memory stand-in for rootfs.Dataset, sufficient
// for exercising DoCommit's clone/promote/snapshot/property sequence
// without a real zfs pool.
type fakeDataset struct {
	mu         sync.Mutex
	existing   map[string]bool
	properties map[string]map[string]string
	mountPoint map[string]string
}

func newFakeDataset() *fakeDataset {
	return &fakeDataset{
		existing:   make(map[string]bool),
		properties: make(map[string]map[string]string),
		mountPoint: make(map[string]string),
	}
}

func (d *fakeDataset) Exists(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.existing[name], nil
}
func (d *fakeDataset) Clone(_ context.Context, snapshot, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.existing[target] = true
	d.mountPoint[target] = "/mnt/" + target
	return nil
}
func (d *fakeDataset) Promote(_ context.Context, dataset string) error { return nil }
func (d *fakeDataset) Snapshot(_ context.Context, dataset, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.existing[dataset+"@"+tag] = true
	return nil
}
func (d *fakeDataset) Create(_ context.Context, dataset string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.existing[dataset] = true
	d.mountPoint[dataset] = "/mnt/" + dataset
	return nil
}
func (d *fakeDataset) SetProperty(_ context.Context, dataset, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.properties[dataset] == nil {
		d.properties[dataset] = make(map[string]string)
	}
	d.properties[dataset][key] = value
	return nil
}
func (d *fakeDataset) MountPoint(_ context.Context, dataset string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mountPoint[dataset], nil
}

func newTestContext(t *testing.T) (*Context, *fakeHost) {
	ctx, host, _ := newTestContextWithDataset(t)
	return ctx, host
}

func newTestContextWithDataset(t *testing.T) (*Context, *fakeHost, *fakeDataset) {
	t.Helper()
	db, err := store.Open(t.TempDir() + "/xc.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	addrs := addralloc.New(db)
	if err := addrs.CreatePool(context.Background(), addralloc.Pool{
		Network: "default",
		Subnet:  netip.MustParsePrefix("10.0.0.0/24"),
		Start:   netip.MustParseAddr("10.0.0.2"),
		End:     netip.MustParseAddr("10.0.0.254"),
	}); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}

	host := &fakeHost{}
	ds := newFakeDataset()
	srv := New(devfs.NewStore(1000, nil), layerstore.New(db), portfwd.NewTable(), addrs, ds, host)
	return srv, host, ds
}

func testBlueprint(id string) *site.Blueprint {
	return &site.Blueprint{
		ContainerID: id,
		DNSPolicy:   site.DNSNop,
		Addresses:   []site.AddressAlloc{{CIDR: netip.MustParsePrefix("10.0.0.5/24"), Interface: "xn0"}},
	}
}

func testImage() *ociimage.JailImage {
	return &ociimage.JailImage{
		Main: &ociimage.ExecSpec{Arg0: "/bin/sh", Args: []string{"-c", "sleep 1"}},
	}
}

func TestInstantiateRegistersSiteAndAliases(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestContext(t)
	spawner := &fakeSpawner{}

	req := InstantiateRequest{ID: "c1", Name: "web", Image: digest.Of([]byte("img")), Blueprint: testBlueprint("c1"), NetGroup: "grp"}
	ensure := func(context.Context, digest.Digest) (*ociimage.JailImage, string, string, error) {
		return testImage(), "/jails/c1", "zroot/xc/layers/c1", nil
	}

	cs, err := srv.Instantiate(ctx, req, ensure, spawner)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if cs.Site.JailID == "" {
		t.Fatalf("expected jail id to be set")
	}

	id, err := srv.ResolveID("web")
	if err != nil {
		t.Fatalf("ResolveID(web): %v", err)
	}
	if id != "c1" {
		t.Fatalf("ResolveID(web) = %s, want c1", id)
	}

	srv.mu.RLock()
	_, inGroup := srv.netgroupIDs["grp"]["c1"]
	srv.mu.RUnlock()
	if !inGroup {
		t.Fatalf("expected c1 registered in netgroup grp")
	}
}

func TestInstantiateRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestContext(t)
	spawner := &fakeSpawner{}
	ensure := func(context.Context, digest.Digest) (*ociimage.JailImage, string, string, error) {
		return testImage(), "/jails/dup", "zroot/xc/layers/dup", nil
	}

	req := InstantiateRequest{ID: "dup", Blueprint: testBlueprint("dup")}
	if _, err := srv.Instantiate(ctx, req, ensure, spawner); err != nil {
		t.Fatalf("first Instantiate: %v", err)
	}
	if _, err := srv.Instantiate(ctx, req, ensure, spawner); err == nil {
		t.Fatalf("expected second Instantiate with the same id to fail")
	}
}

func TestInstantiateUnwindsOnSiteFailure(t *testing.T) {
	ctx := context.Background()
	srv, host := newTestContext(t)
	host.failMount = true
	spawner := &fakeSpawner{}
	bp := testBlueprint("c2")
	bp.Mounts = []site.MountSpec{{Kind: "nullfs", Source: "/s", Target: "/t"}}
	req := InstantiateRequest{ID: "c2", Blueprint: bp}
	ensure := func(context.Context, digest.Digest) (*ociimage.JailImage, string, string, error) {
		return testImage(), "/jails/c2", "zroot/xc/layers/c2", nil
	}

	if _, err := srv.Instantiate(ctx, req, ensure, spawner); err == nil {
		t.Fatalf("expected Instantiate to fail when the site can't start")
	}
	if _, err := srv.ResolveID("c2"); err == nil {
		t.Fatalf("a failed instantiate must not register a site")
	}
}

func TestDestroyContextReleasesResources(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestContext(t)
	spawner := &fakeSpawner{}
	req := InstantiateRequest{ID: "c3", Name: "db", Blueprint: testBlueprint("c3")}
	ensure := func(context.Context, digest.Digest) (*ociimage.JailImage, string, string, error) {
		return testImage(), "/jails/c3", "zroot/xc/layers/c3", nil
	}
	if _, err := srv.Instantiate(ctx, req, ensure, spawner); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	if err := srv.DestroyContext(ctx, "c3"); err != nil {
		t.Fatalf("DestroyContext: %v", err)
	}
	if _, err := srv.ResolveID("c3"); err == nil {
		t.Fatalf("expected c3 to be gone after DestroyContext")
	}
	if _, err := srv.ResolveID("db"); err == nil {
		t.Fatalf("expected alias db to be gone after DestroyContext")
	}
}

func TestDoRdrUnknownContainer(t *testing.T) {
	srv, _ := newTestContext(t)
	if err := srv.DoRdr("nope", portfwd.Rule{}); err == nil {
		t.Fatalf("expected DoRdr against an unknown container to fail")
	}
}

func TestPurgeImagesKeepsTaggedManifests(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestContext(t)

	tagged, err := srv.Layers.RegisterManifest(ctx, testImage())
	if err != nil {
		t.Fatalf("RegisterManifest: %v", err)
	}
	if err := srv.Layers.Tag(ctx, tagged, "app", "latest"); err != nil {
		t.Fatalf("Tag: %v", err)
	}

	other := *testImage()
	other.OS = "untagged-variant"
	if _, err := srv.Layers.RegisterManifest(ctx, &other); err != nil {
		t.Fatalf("RegisterManifest(untagged): %v", err)
	}

	deleted, err := srv.PurgeImages(ctx)
	if err != nil {
		t.Fatalf("PurgeImages: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("PurgeImages deleted %d rows, want 1", deleted)
	}

	if _, err := srv.Layers.GetManifest(ctx, tagged); err != nil {
		t.Fatalf("tagged manifest should survive purge: %v", err)
	}
}

func TestDoCommitProducesNewTaggedManifest(t *testing.T) {
	ctx := context.Background()
	srv, _, ds := newTestContextWithDataset(t)
	spawner := &fakeSpawner{}

	baseImage := testImage()
	baseDigest, err := srv.Layers.RegisterManifest(ctx, baseImage)
	if err != nil {
		t.Fatalf("RegisterManifest(base): %v", err)
	}

	req := InstantiateRequest{ID: "c4", Blueprint: testBlueprint("c4"), Image: baseDigest}
	ensure := func(context.Context, digest.Digest) (*ociimage.JailImage, string, string, error) {
		ds.existing["zroot/xc/layers/c4"] = true
		ds.mountPoint["zroot/xc/layers/c4"] = "/mnt/c4"
		ds.existing["zroot/xc/layers/c4@xc"] = true
		return baseImage, "/jails/c4", "zroot/xc/layers/c4", nil
	}
	if _, err := srv.Instantiate(ctx, req, ensure, spawner); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	newLayerDiffID := digest.Of([]byte("new layer contents"))
	archiveDigest := digest.Of([]byte("new layer archive bytes"))
	archiver := func(_ context.Context, dataset, snapshotTag string) (digest.Digest, digest.Digest, error) {
		return newLayerDiffID, archiveDigest, nil
	}
	var extracted []digest.Digest
	extract := func(_ context.Context, mountPoint string, diffID digest.Digest) error {
		extracted = append(extracted, diffID)
		return nil
	}

	newDigest, err := srv.DoCommit(ctx, "c4", "app", "v2", archiver, extract, "zstd", "commit-1")
	if err != nil {
		t.Fatalf("DoCommit: %v", err)
	}
	if len(extracted) != 1 || extracted[0] != newLayerDiffID {
		t.Fatalf("expected the new layer to be extracted once, got %v", extracted)
	}

	resolved, err := srv.Layers.ResolveTag(ctx, "app", "v2")
	if err != nil {
		t.Fatalf("ResolveTag: %v", err)
	}
	if resolved != newDigest {
		t.Fatalf("ResolveTag(app, v2) = %s, want %s", resolved, newDigest)
	}

	newImage, err := srv.Layers.GetManifest(ctx, newDigest)
	if err != nil {
		t.Fatalf("GetManifest(new): %v", err)
	}
	if len(newImage.Layers) != len(baseImage.Layers)+1 {
		t.Fatalf("committed manifest has %d layers, want %d", len(newImage.Layers), len(baseImage.Layers)+1)
	}
	if newImage.Layers[len(newImage.Layers)-1] != newLayerDiffID {
		t.Fatalf("committed manifest's last layer = %s, want %s", newImage.Layers[len(newImage.Layers)-1], newLayerDiffID)
	}

	archives, err := srv.Layers.QueryArchives(ctx, newLayerDiffID)
	if err != nil {
		t.Fatalf("QueryArchives: %v", err)
	}
	if len(archives) != 2 {
		t.Fatalf("QueryArchives(new diff-id) = %d rows, want 2 (identity + zstd)", len(archives))
	}
}
