// Package server implements the cross-container registry of spec
// §4.12: the server Context owning every per-container site, the
// alias/netgroup maps, and the operations that mutate them.
// Grounded on original_source/xcd/src/context.rs and
// xcd/src/context/instantiate.rs.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/banksean/xc/internal/addralloc"
	"github.com/banksean/xc/internal/devfs"
	"github.com/banksean/xc/internal/digest"
	"github.com/banksean/xc/internal/ipcidr"
	"github.com/banksean/xc/internal/layerstore"
	"github.com/banksean/xc/internal/ociimage"
	"github.com/banksean/xc/internal/portfwd"
	"github.com/banksean/xc/internal/rootfs"
	"github.com/banksean/xc/internal/runner"
	"github.com/banksean/xc/internal/site"
	"github.com/banksean/xc/internal/tasks"
	"github.com/banksean/xc/internal/telemetry"
)

// ContainerSite bundles the staged filesystem/network state with its
// process supervisor — everything destroy_context needs to tear a
// container down.
type ContainerSite struct {
	Site    *site.Site
	Runner  *runner.Runner
	Image   digest.Digest // manifest digest this container was instantiated from
	Dataset string        // zfs dataset the container's rootfs lives on
}

// LayerExtractor unpacks a layer archive onto a freshly staged
// mountpoint, bridging internal/ocitar's codec to the filesystem; the
// caller wires the concrete implementation (it owns the layer archive
// directory), mirroring how ensureRootfs is injected into Instantiate.
type LayerExtractor func(ctx context.Context, mountPoint string, diffID digest.Digest) error

// InstantiateRequest is the validated input to Instantiate.
type InstantiateRequest struct {
	ID       string
	Name     string
	Image    digest.Digest
	Blueprint *site.Blueprint
	NetGroup string
	NoClean  bool
}

// Context is the cross-container registry of spec §4.12.
type Context struct {
	mu sync.RWMutex

	sites       map[string]*ContainerSite
	nameToID    map[string]string
	idToName    map[string]string
	netgroupIDs map[string]map[string]bool // netgroup -> container ids
	idToGroups  map[string]map[string]bool // container id -> netgroups

	Devfs     *devfs.Store
	Layers    *layerstore.Store
	PortFwd   *portfwd.Table
	Addresses *addralloc.Allocator
	Dataset   rootfs.Dataset
	Host      site.Host
	Tasks     *tasks.Store[PullState]

	tracer string
}

// PullState is the task-store payload for pull_image/push_image
// progress tracking (spec §4.9).
type PullState struct {
	BytesDone int64
	Total     int64
}

func New(devfsStore *devfs.Store, layers *layerstore.Store, pf *portfwd.Table, addrs *addralloc.Allocator, ds rootfs.Dataset, host site.Host) *Context {
	return &Context{
		sites:       make(map[string]*ContainerSite),
		nameToID:    make(map[string]string),
		idToName:    make(map[string]string),
		netgroupIDs: make(map[string]map[string]bool),
		idToGroups:  make(map[string]map[string]bool),
		Devfs:       devfsStore,
		Layers:      layers,
		PortFwd:     pf,
		Addresses:   addrs,
		Dataset:     ds,
		Host:        host,
		Tasks:       tasks.NewStore[PullState](nil),
		tracer:      "xc/server",
	}
}

// ContainerSummary is the read-only view of one instantiated container
// exposed to list_containers/show_container, built from the same
// sites/nameToID tables Instantiate/DestroyContext maintain.
type ContainerSummary struct {
	ID      string
	Name    string
	Image   digest.Digest
	Dataset string
	JailID  string
	State   runner.State
}

func (c *Context) summaryLocked(id string, cs *ContainerSite) ContainerSummary {
	state, _ := cs.Runner.State()
	return ContainerSummary{
		ID:      id,
		Name:    c.idToName[id],
		Image:   cs.Image,
		Dataset: cs.Dataset,
		JailID:  cs.Site.JailID,
		State:   state,
	}
}

// List returns a summary of every currently instantiated container,
// for spec §6's list_containers.
func (c *Context) List() []ContainerSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ContainerSummary, 0, len(c.sites))
	for id, cs := range c.sites {
		out = append(out, c.summaryLocked(id, cs))
	}
	return out
}

// Show returns one container's summary by id or alias, for spec §6's
// show_container.
func (c *Context) Show(ref string) (ContainerSummary, error) {
	id, err := c.ResolveID(ref)
	if err != nil {
		return ContainerSummary{}, err
	}
	c.mu.RLock()
	cs, ok := c.sites[id]
	c.mu.RUnlock()
	if !ok {
		return ContainerSummary{}, &ErrNotFound{Kind: "container", Key: ref}
	}
	return c.summaryLocked(id, cs), nil
}

// Kill resolves ref and tears its container down, for spec §6's
// kill_container; a thin name-resolving wrapper over DestroyContext.
func (c *Context) Kill(ctx context.Context, ref string) error {
	id, err := c.ResolveID(ref)
	if err != nil {
		return err
	}
	return c.DestroyContext(ctx, id)
}

// ErrNotFound is returned when a container id/name/netgroup lookup misses.
type ErrNotFound struct{ Kind, Key string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("server: %s %q not found", e.Kind, e.Key) }

// ResolveID maps a human alias or a raw id to a canonical container id.
func (c *Context) ResolveID(ref string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.sites[ref]; ok {
		return ref, nil
	}
	if id, ok := c.nameToID[ref]; ok {
		return id, nil
	}
	return "", &ErrNotFound{Kind: "container", Key: ref}
}

// Instantiate builds and starts one container: allocate the rootfs
// chain (triggering a pull via the caller-owned image manager if
// necessary — injected as ensureRootfs so this package stays free of
// a direct registry dependency), construct a site, start it
// transactionally, register aliases/netgroup membership, and launch
// its runner. Mirrors spec §4.12's instantiate operation.
func (c *Context) Instantiate(ctx context.Context, req InstantiateRequest, ensureRootfs func(context.Context, digest.Digest) (img *ociimage.JailImage, root, dataset string, err error), spawner runner.Spawner) (*ContainerSite, error) {
	ctx, span := telemetry.Tracer(c.tracer).Start(ctx, "Instantiate")
	defer span.End()

	c.mu.Lock()
	if _, exists := c.sites[req.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("server: container %s already instantiated", req.ID)
	}
	c.mu.Unlock()

	img, root, dataset, err := ensureRootfs(ctx, req.Image)
	if err != nil {
		return nil, fmt.Errorf("server: ensure rootfs for %s: %w", req.Image, err)
	}

	bp := req.Blueprint
	bp.ContainerID = req.ID
	bp.Root = root

	st := site.New(req.ID, root, bp)
	if err := st.StartTransactionally(ctx, c.Host); err != nil {
		return nil, fmt.Errorf("server: start_transactionally %s: %w", req.ID, err)
	}

	var mainSpec *runner.ExecSpec
	if img.Main != nil {
		mainSpec = &runner.ExecSpec{Name: "main", Arg0: img.Main.Arg0, Args: img.Main.Args}
	}
	var inits, deinits []runner.ExecSpec
	for i, e := range img.Init {
		inits = append(inits, runner.ExecSpec{Name: fmt.Sprintf("init.%d", i), Arg0: e.Arg0, Args: e.Args})
	}
	for i, e := range img.Deinit {
		deinits = append(deinits, runner.ExecSpec{Name: fmt.Sprintf("deinit.%d", i), Arg0: e.Arg0, Args: e.Args})
	}

	r, err := runner.New(req.ID, spawner, inits, deinits, mainSpec, false, false, false)
	if err != nil {
		_ = st.Unwind(ctx)
		return nil, fmt.Errorf("server: construct runner for %s: %w", req.ID, err)
	}

	cs := &ContainerSite{Site: st, Runner: r, Image: req.Image, Dataset: dataset}

	c.mu.Lock()
	c.sites[req.ID] = cs
	if req.Name != "" {
		c.nameToID[req.Name] = req.ID
		c.idToName[req.ID] = req.Name
	}
	if req.NetGroup != "" {
		if c.netgroupIDs[req.NetGroup] == nil {
			c.netgroupIDs[req.NetGroup] = make(map[string]bool)
		}
		c.netgroupIDs[req.NetGroup][req.ID] = true
		if c.idToGroups[req.ID] == nil {
			c.idToGroups[req.ID] = make(map[string]bool)
		}
		c.idToGroups[req.ID][req.NetGroup] = true
	}
	c.mu.Unlock()

	go func() {
		_ = r.Run(context.Background())
		if !req.NoClean {
			_ = c.DestroyContext(context.Background(), req.ID)
		}
	}()

	return cs, nil
}

// DestroyContext unwinds a container's site, releases its addresses,
// clears its port-forward and netgroup entries, and drops its aliases.
func (c *Context) DestroyContext(ctx context.Context, id string) error {
	ctx, span := telemetry.Tracer(c.tracer).Start(ctx, "DestroyContext")
	defer span.End()

	c.mu.Lock()
	cs, ok := c.sites[id]
	if !ok {
		c.mu.Unlock()
		return &ErrNotFound{Kind: "container", Key: id}
	}
	delete(c.sites, id)
	if name, ok := c.idToName[id]; ok {
		delete(c.nameToID, name)
		delete(c.idToName, id)
	}
	for group := range c.idToGroups[id] {
		delete(c.netgroupIDs[group], id)
	}
	delete(c.idToGroups, id)
	c.mu.Unlock()

	cs.Runner.Kill()
	_ = cs.Runner.Close()

	if err := c.Addresses.Release(ctx, id); err != nil {
		return fmt.Errorf("server: release addresses for %s: %w", id, err)
	}

	c.PortFwd.Remove(id)

	if err := cs.Site.Unwind(ctx); err != nil {
		return fmt.Errorf("server: destroy_context %s: %w", id, err)
	}
	return nil
}

// Dispatch forwards a control-socket request to ref's runner (spec
// §4.10's exec/run_main/write_hosts kinds), for IPC methods like
// exec and run_main that act on an already-instantiated container.
func (c *Context) Dispatch(ref, kind string, spec runner.ExecSpec, hosts string) error {
	id, err := c.ResolveID(ref)
	if err != nil {
		return err
	}
	c.mu.RLock()
	cs, ok := c.sites[id]
	c.mu.RUnlock()
	if !ok {
		return &ErrNotFound{Kind: "container", Key: id}
	}
	return cs.Runner.Dispatch(kind, spec, hosts)
}

// AddToNetgroup adds an already-instantiated container to netgroup
// and pushes a refreshed hosts file to every member, for spec §6's
// add-netgroup IPC method (membership assigned after instantiate,
// as opposed to InstantiateRequest.NetGroup's at-creation path).
func (c *Context) AddToNetgroup(ctx context.Context, ref, netgroup string) error {
	id, err := c.ResolveID(ref)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.netgroupIDs[netgroup] == nil {
		c.netgroupIDs[netgroup] = make(map[string]bool)
	}
	c.netgroupIDs[netgroup][id] = true
	if c.idToGroups[id] == nil {
		c.idToGroups[id] = make(map[string]bool)
	}
	c.idToGroups[id][netgroup] = true
	c.mu.Unlock()
	return c.UpdateHosts(ctx, netgroup)
}

// DoRdr registers a port-forward rule for name's container, stamping
// its primary address as the rule's destination, per spec §4.12.
func (c *Context) DoRdr(name string, rule portfwd.Rule) error {
	id, err := c.ResolveID(name)
	if err != nil {
		return err
	}
	c.mu.RLock()
	cs, ok := c.sites[id]
	c.mu.RUnlock()
	if !ok {
		return &ErrNotFound{Kind: "container", Key: id}
	}
	if len(cs.Site.Blueprint.Addresses) > 0 {
		p := cs.Site.Blueprint.Addresses[0].CIDR
		rule.WithHostInfo(nil, ipcidr.CIDR{Addr: p.Addr(), Mask: p.Bits()})
	}
	c.PortFwd.Append(id, &rule)
	return nil
}

// UpdateHosts recomputes the (name, ip) list for a netgroup and pushes
// write_hosts to every member's control socket.
func (c *Context) UpdateHosts(ctx context.Context, netgroup string) error {
	c.mu.RLock()
	ids := make([]string, 0, len(c.netgroupIDs[netgroup]))
	for id := range c.netgroupIDs[netgroup] {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	hosts := ""
	for _, id := range ids {
		c.mu.RLock()
		cs, ok := c.sites[id]
		name := c.idToName[id]
		c.mu.RUnlock()
		if !ok || len(cs.Site.Blueprint.Addresses) == 0 {
			continue
		}
		hosts += fmt.Sprintf("%s\t%s\n", cs.Site.Blueprint.Addresses[0].CIDR.Addr(), name)
	}

	for _, id := range ids {
		c.mu.RLock()
		cs, ok := c.sites[id]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		if err := cs.Runner.Dispatch("write_hosts", runner.ExecSpec{}, hosts); err != nil {
			return fmt.Errorf("server: update_hosts %s -> %s: %w", netgroup, id, err)
		}
	}
	return nil
}

// DoCommit snapshots a running container's rootfs, archives the diff
// against its baseline as a new layer, clones/promotes a new chain
// dataset from the old one with that layer applied, and registers +
// tags the resulting manifest. Mirrors spec §4.12's do_commit: snapshot
// -> write layer file -> clone & promote to the new chain dataset ->
// snapshot@xc -> register the extended image -> register & tag the
// manifest -> record the diff-id/archive mapping.
func (c *Context) DoCommit(ctx context.Context, containerID, name, tag string, archiver site.Archiver, extract LayerExtractor, archiveAlgo, snapshotTag string) (digest.Digest, error) {
	ctx, span := telemetry.Tracer(c.tracer).Start(ctx, "DoCommit")
	defer span.End()

	c.mu.RLock()
	cs, ok := c.sites[containerID]
	c.mu.RUnlock()
	if !ok {
		return digest.Digest{}, &ErrNotFound{Kind: "container", Key: containerID}
	}

	if err := cs.Site.SnapshotWithGeneratedTag(ctx, c.Dataset, cs.Dataset, snapshotTag); err != nil {
		return digest.Digest{}, fmt.Errorf("server: do_commit %s: %w", containerID, err)
	}

	diffID, archiveDigest, err := cs.Site.CommitToFile(ctx, archiver, cs.Dataset, snapshotTag)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("server: do_commit %s: %w", containerID, err)
	}

	oldImage, err := c.Layers.GetManifest(ctx, cs.Image)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("server: do_commit %s: load base manifest: %w", containerID, err)
	}
	newImage := *oldImage
	newImage.Layers = append(append([]digest.Digest{}, oldImage.Layers...), diffID)

	recipe, err := rootfs.Compute(ctx, c.Dataset, newImage.Layers)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("server: do_commit %s: compute recipe: %w", containerID, err)
	}
	mountPoint, err := rootfs.Stage(ctx, c.Dataset, recipe)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("server: do_commit %s: stage new chain: %w", containerID, err)
	}
	for _, layer := range recipe.ExtractLayers {
		if err := extract(ctx, mountPoint, layer); err != nil {
			return digest.Digest{}, fmt.Errorf("server: do_commit %s: extract layer %s: %w", containerID, layer, err)
		}
	}
	if err := rootfs.Finalize(ctx, c.Dataset, recipe, newImage.Layers); err != nil {
		return digest.Digest{}, fmt.Errorf("server: do_commit %s: finalize chain: %w", containerID, err)
	}

	newDigest, err := c.Layers.RegisterManifest(ctx, &newImage)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("server: do_commit %s: register manifest: %w", containerID, err)
	}
	if err := c.Layers.Tag(ctx, newDigest, name, tag); err != nil {
		return digest.Digest{}, fmt.Errorf("server: do_commit %s: tag manifest: %w", containerID, err)
	}
	if err := c.Layers.MapDiffID(ctx, diffID, archiveDigest, archiveAlgo, ""); err != nil {
		return digest.Digest{}, fmt.Errorf("server: do_commit %s: %w", containerID, err)
	}
	return newDigest, nil
}

// PurgeImages deletes every layer manifest unreachable from a tag,
// per spec §4.12 — the database-level half; the dataset-level half
// (walking origin ancestors to keep clone-chain snapshots alive) is
// the caller's responsibility via internal/rootfs + the host zfs
// handle, since that walk needs the live Dataset, not just the DB.
func (c *Context) PurgeImages(ctx context.Context) (int64, error) {
	ctx, span := telemetry.Tracer(c.tracer).Start(ctx, "PurgeImages")
	defer span.End()
	return c.Layers.PurgeUntaggedManifests(ctx)
}
