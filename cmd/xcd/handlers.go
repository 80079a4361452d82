package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/banksean/xc/internal/config"
	"github.com/banksean/xc/internal/digest"
	"github.com/banksean/xc/internal/hostos"
	"github.com/banksean/xc/internal/ipc"
	"github.com/banksean/xc/internal/portfwd"
	"github.com/banksean/xc/internal/runner"
	"github.com/banksean/xc/internal/server"
	"github.com/banksean/xc/internal/site"
)

// registerHandlers wires every spec §6 IPC method to d.
func registerHandlers(reg *ipc.Registry, d *daemon) {
	reg.Register("info", d.handleInfo)
	reg.Register("create_channel", d.handleCreateChannel)
	reg.Register("fd_import", d.handleFDImport)

	reg.Register("pull_image", d.handlePullImage)
	reg.Register("push_image", d.handlePushImage)
	reg.Register("upload_stat", d.handleUploadStat)
	reg.Register("download_stat", d.handleDownloadStat)
	reg.Register("list_all_images", d.handleListAllImages)
	reg.Register("describe_image", d.handleDescribeImage)
	reg.Register("remove_image", d.handleRemoveImage)
	reg.Register("replace_meta", d.handleReplaceMeta)
	reg.Register("purge", d.handlePurge)

	reg.Register("list_networks", d.handleListNetworks)
	reg.Register("create_network", d.handleCreateNetwork)

	reg.Register("instantiate", d.handleInstantiate)
	reg.Register("list_containers", d.handleListContainers)
	reg.Register("show_container", d.handleShowContainer)
	reg.Register("kill_container", d.handleKillContainer)
	reg.Register("commit", d.handleCommit)
	reg.Register("exec", d.handleExec)
	reg.Register("run_main", d.handleRunMain)
	reg.Register("link", d.handleLink)

	reg.Register("rdr", d.handleRdr)
	reg.Register("list_site_rdr", d.handleListSiteRdr)

	reg.Register("commit_netgroup", d.handleCommitNetgroup)
	reg.Register("add-netgroup", d.handleAddNetgroup)

	reg.Register("login", d.handleLogin)
}

func decode[T any](value json.RawMessage) (T, error) {
	var out T
	if err := ipc.DecodeValue(value, &out); err != nil {
		return out, err
	}
	return out, nil
}

// info reports daemon identity and a coarse census, for clients
// probing whether the daemon is reachable and what it's managing.
func (d *daemon) handleInfo(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	return map[string]any{
		"version":    "xc/0.1",
		"containers": len(d.srv.List()),
	}, nil, nil
}

// create_channel would hand a PTY/log fd to an attached client over
// the framing layer's fd-passing path; not yet implemented (see
// internal/hostos.JailSpawner's Terminal-mode comment).
func (d *daemon) handleCreateChannel(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	return nil, nil, ipc.NewError(ipc.EIO, "create_channel: attach fd hand-off is not yet implemented")
}

type fdImportArgs struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// fd_import reads a tar layer from the fd the client attached to the
// request frame, caches and registers it as a single-layer manifest,
// and tags it name:tag (spec §8 scenario 1).
func (d *daemon) handleFDImport(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[fdImportArgs](value)
	if err != nil {
		return nil, nil, err
	}
	if len(fds) == 0 {
		return nil, nil, ipc.NewError(ipc.EINVAL, "fd_import: no fd supplied")
	}
	f := os.NewFile(uintptr(fds[0]), "fd_import")
	defer f.Close()
	for _, extra := range fds[1:] {
		unix.Close(extra)
	}

	diffID, err := d.images.ImportLayer(ctx, f, args.Name, args.Tag)
	if err != nil {
		return nil, nil, ipc.NewError(ipc.EIO, "fd_import: %v", err)
	}
	return map[string]string{"diff_id": diffID.String()}, nil, nil
}

type pullArgs struct {
	Reference string `json:"reference"`
}

func (d *daemon) handlePullImage(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[pullArgs](value)
	if err != nil {
		return nil, nil, err
	}
	emitter, entry, started := d.srv.Tasks.Register(ctx, "pull_image", args.Reference)
	if !started {
		<-entry.Done()
		return nil, nil, nil
	}
	dg, err := d.images.Pull(ctx, args.Reference)
	if err != nil {
		emitter.SetFaulted(err.Error())
		return nil, nil, ipc.NewError(ipc.EIO, "pull_image: %v", err)
	}
	emitter.SetCompleted()
	return map[string]string{"digest": dg.String()}, nil, nil
}

type pushArgs struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
	Host string `json:"host"`
}

func (d *daemon) handlePushImage(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[pushArgs](value)
	if err != nil {
		return nil, nil, err
	}
	emitter, entry, started := d.srv.Tasks.Register(ctx, "push_image", args.Name+":"+args.Tag)
	if !started {
		<-entry.Done()
		return nil, nil, nil
	}
	dg, err := d.images.Push(ctx, args.Name, args.Tag, args.Host)
	if err != nil {
		emitter.SetFaulted(err.Error())
		return nil, nil, ipc.NewError(ipc.EIO, "push_image: %v", err)
	}
	emitter.SetCompleted()
	return map[string]string{"digest": dg.String()}, nil, nil
}

type statArgs struct {
	Reference string `json:"reference"`
}

func (d *daemon) handleUploadStat(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[statArgs](value)
	if err != nil {
		return nil, nil, err
	}
	entry, ok := d.srv.Tasks.Lookup("push_image", args.Reference)
	if !ok {
		return nil, nil, ipc.NewError(ipc.ENOENT, "upload_stat: no push in progress for %q", args.Reference)
	}
	state, status := entry.State()
	return map[string]any{"bytes_done": state.BytesDone, "total": state.Total, "status": int(status)}, nil, nil
}

func (d *daemon) handleDownloadStat(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[statArgs](value)
	if err != nil {
		return nil, nil, err
	}
	entry, ok := d.srv.Tasks.Lookup("pull_image", args.Reference)
	if !ok {
		return nil, nil, ipc.NewError(ipc.ENOENT, "download_stat: no pull in progress for %q", args.Reference)
	}
	state, status := entry.State()
	return map[string]any{"bytes_done": state.BytesDone, "total": state.Total, "status": int(status)}, nil, nil
}

func (d *daemon) handleListAllImages(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	refs, err := d.images.Layers.ListAllImages(ctx)
	if err != nil {
		return nil, nil, ipc.NewError(ipc.EIO, "list_all_images: %v", err)
	}
	return refs, nil, nil
}

type imageRefArgs struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

func (d *daemon) handleDescribeImage(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[imageRefArgs](value)
	if err != nil {
		return nil, nil, err
	}
	dg, err := d.images.Layers.ResolveTag(ctx, args.Name, args.Tag)
	if err != nil {
		return nil, nil, ipc.NewError(ipc.ENOENT, "describe_image: %s:%s not found", args.Name, args.Tag)
	}
	img, err := d.images.Layers.GetManifest(ctx, dg)
	if err != nil {
		return nil, nil, ipc.NewError(ipc.EIO, "describe_image: %v", err)
	}
	return img, nil, nil
}

func (d *daemon) handleRemoveImage(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[imageRefArgs](value)
	if err != nil {
		return nil, nil, err
	}
	if err := d.images.Layers.Untag(ctx, args.Name, args.Tag); err != nil {
		return nil, nil, ipc.NewError(ipc.EIO, "remove_image: %v", err)
	}
	return nil, nil, nil
}

type replaceMetaArgs struct {
	Digest string `json:"digest"`
	Name   string `json:"name"`
	Tag    string `json:"tag"`
}

func (d *daemon) handleReplaceMeta(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[replaceMetaArgs](value)
	if err != nil {
		return nil, nil, err
	}
	dg, err := digest.Parse(args.Digest)
	if err != nil {
		return nil, nil, ipc.NewError(ipc.EINVAL, "replace_meta: invalid digest %q", args.Digest)
	}
	if _, err := d.images.Layers.GetManifest(ctx, dg); err != nil {
		return nil, nil, ipc.NewError(ipc.ENOENT, "replace_meta: manifest %s not found", dg)
	}
	if err := d.images.Layers.Tag(ctx, dg, args.Name, args.Tag); err != nil {
		return nil, nil, ipc.NewError(ipc.EIO, "replace_meta: %v", err)
	}
	return nil, nil, nil
}

func (d *daemon) handlePurge(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	n, err := d.srv.PurgeImages(ctx)
	if err != nil {
		return nil, nil, ipc.NewError(ipc.EIO, "purge: %v", err)
	}
	return map[string]int64{"removed": n}, nil, nil
}

func (d *daemon) handleListNetworks(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	d.netMu.Lock()
	defer d.netMu.Unlock()
	out := make([]networkView, 0, len(d.networks))
	for _, nc := range d.networks {
		out = append(out, networkView{Name: nc.Name, Subnet: nc.Subnet, Gateway: nc.Gateway, Bridge: nc.Bridge})
	}
	return out, nil, nil
}

type networkView struct {
	Name    string `json:"name"`
	Subnet  string `json:"subnet"`
	Gateway string `json:"gateway,omitempty"`
	Bridge  string `json:"bridge,omitempty"`
}

type createNetworkArgs struct {
	Name    string `json:"name"`
	Subnet  string `json:"subnet"`
	Gateway string `json:"gateway,omitempty"`
	Bridge  string `json:"bridge,omitempty"`
}

func (d *daemon) handleCreateNetwork(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[createNetworkArgs](value)
	if err != nil {
		return nil, nil, err
	}
	if _, err := netip.ParsePrefix(args.Subnet); err != nil {
		return nil, nil, ipc.NewError(ipc.EINVAL, "create_network: invalid subnet %q", args.Subnet)
	}
	nc := config.NetworkConfig{Name: args.Name, Subnet: args.Subnet, Gateway: args.Gateway, Bridge: args.Bridge}
	if err := d.seedNetwork(ctx, d.srv.Addresses, nc); err != nil {
		return nil, nil, ipc.NewError(ipc.EIO, "create_network: %v", err)
	}
	return nil, nil, nil
}

type instantiateArgs struct {
	ID         string      `json:"id"`
	Name       string      `json:"name,omitempty"`
	Image      string      `json:"image"` // "name:tag" or "sha256:..."
	Network    string      `json:"network,omitempty"`
	NetGroup   string      `json:"netgroup,omitempty"`
	NoClean    bool        `json:"no_clean,omitempty"`
	Mounts     []mountArgs `json:"mounts,omitempty"`
	Copies     []copyArgs  `json:"copies,omitempty"`
	DNS        string      `json:"dns_policy,omitempty"` // "nop", "inherit", "specified"
	ResolvConf string      `json:"resolv_conf,omitempty"`
}

type mountArgs struct {
	Kind   string `json:"kind"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type copyArgs struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
}

func (d *daemon) handleInstantiate(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[instantiateArgs](value)
	if err != nil {
		return nil, nil, err
	}
	if args.ID == "" {
		return nil, nil, ipc.NewError(ipc.EINVAL, "instantiate: id is required")
	}

	imgDigest, err := d.resolveImageRef(ctx, args.Image)
	if err != nil {
		return nil, nil, err
	}
	img, err := d.images.Layers.GetManifest(ctx, imgDigest)
	if err != nil {
		return nil, nil, ipc.NewError(ipc.ENOENT, "instantiate: manifest %s not found", imgDigest)
	}

	devfsRules := img.Devfs
	rulesetID, err := d.srv.Devfs.Intern(devfsRules)
	if err != nil {
		return nil, nil, ipc.NewError(ipc.EIO, "instantiate: devfs intern: %v", err)
	}

	bp := &site.Blueprint{
		DevfsRuleset: uint16(rulesetID),
		AllowFlags:   img.Allow,
	}
	switch args.DNS {
	case "inherit":
		bp.DNSPolicy = site.DNSInherit
		bp.ResolvConf = args.ResolvConf
	case "specified":
		bp.DNSPolicy = site.DNSSpecified
		bp.ResolvConf = args.ResolvConf
	default:
		bp.DNSPolicy = site.DNSNop
	}
	for _, m := range args.Mounts {
		bp.Mounts = append(bp.Mounts, site.MountSpec{Kind: m.Kind, Source: m.Source, Target: m.Target})
	}
	for _, c := range args.Copies {
		bp.Copies = append(bp.Copies, site.CopySpec{HostPath: c.HostPath, ContainerPath: c.ContainerPath})
	}

	if args.Network != "" {
		d.netMu.Lock()
		nc, ok := d.networks[args.Network]
		d.netMu.Unlock()
		if !ok {
			return nil, nil, ipc.NewError(ipc.ENOENT, "instantiate: network %q not found", args.Network)
		}
		prefix, _ := netip.ParsePrefix(nc.Subnet)
		addr, err := d.srv.Addresses.NextCIDR(ctx, args.Network, args.ID)
		if err != nil {
			return nil, nil, ipc.NewError(ipc.EIO, "instantiate: allocate address: %v", err)
		}
		bp.VNet = true
		bp.Addresses = []site.AddressAlloc{{CIDR: netip.PrefixFrom(addr, prefix.Bits()), Interface: nc.Bridge}}
		if nc.Gateway != "" {
			if gw, err := netip.ParseAddr(nc.Gateway); err == nil {
				bp.DefaultRoute = gw
			}
		}
	}

	spawner := hostos.NewJailSpawner()
	req := server.InstantiateRequest{
		ID: args.ID, Name: args.Name, Image: imgDigest,
		Blueprint: bp, NetGroup: args.NetGroup, NoClean: args.NoClean,
	}
	cs, err := d.srv.Instantiate(ctx, req, d.images.EnsureRootfs, spawner)
	if err != nil {
		return nil, nil, ipc.NewError(ipc.EIO, "instantiate: %v", err)
	}
	spawner.SetJID(cs.Site.JailID)
	peer.Link(args.ID)

	return map[string]string{"id": args.ID, "jail_id": cs.Site.JailID}, nil, nil
}

// resolveImageRef accepts either a "sha256:..." manifest digest or a
// "name:tag"/"name" reference resolved through the tag table.
func (d *daemon) resolveImageRef(ctx context.Context, ref string) (digest.Digest, error) {
	if dg, err := digest.Parse(ref); err == nil {
		return dg, nil
	}
	name, tag := splitNameTag(ref)
	dg, err := d.images.Layers.ResolveTag(ctx, name, tag)
	if err != nil {
		return digest.Digest{}, ipc.NewError(ipc.ENOENT, "instantiate: image %q not found", ref)
	}
	return dg, nil
}

func splitNameTag(ref string) (name, tag string) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == ':' {
			return ref[:i], ref[i+1:]
		}
		if ref[i] == '/' {
			break
		}
	}
	return ref, "latest"
}

func (d *daemon) handleListContainers(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	return d.srv.List(), nil, nil
}

type containerRefArgs struct {
	Ref string `json:"ref"`
}

func (d *daemon) handleShowContainer(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[containerRefArgs](value)
	if err != nil {
		return nil, nil, err
	}
	summary, err := d.srv.Show(args.Ref)
	if err != nil {
		return nil, nil, ipc.NewError(ipc.ENOENT, "show_container: %v", err)
	}
	return summary, nil, nil
}

func (d *daemon) handleKillContainer(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[containerRefArgs](value)
	if err != nil {
		return nil, nil, err
	}
	if err := d.srv.Kill(ctx, args.Ref); err != nil {
		return nil, nil, ipc.NewError(ipc.ENOENT, "kill_container: %v", err)
	}
	return nil, nil, nil
}

type commitArgs struct {
	ContainerID string `json:"container_id"`
	Name        string `json:"name"`
	Tag         string `json:"tag"`
}

func (d *daemon) handleCommit(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[commitArgs](value)
	if err != nil {
		return nil, nil, err
	}
	snapshotTag := fmt.Sprintf("commit-%s", time.Now().UTC().Format("20060102T150405Z"))
	dg, err := d.srv.DoCommit(ctx, args.ContainerID, args.Name, args.Tag, d.images.Archive, d.images.Extract, "zstd", snapshotTag)
	if err != nil {
		return nil, nil, ipc.NewError(ipc.EIO, "commit: %v", err)
	}
	return map[string]string{"digest": dg.String()}, nil, nil
}

type execArgs struct {
	Ref  string   `json:"ref"`
	Arg0 string   `json:"arg0"`
	Args []string `json:"args,omitempty"`
}

func (d *daemon) handleExec(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[execArgs](value)
	if err != nil {
		return nil, nil, err
	}
	spec := runner.ExecSpec{Name: "exec", Arg0: args.Arg0, Args: args.Args, Stdio: runner.StdioInherit}
	// A client supplying fds wants its own stdio forwarded into the
	// jail (spec §4.10's Forward mode) rather than the daemon's.
	if len(fds) > 0 {
		spec.Stdio = runner.StdioForward
		for i, fd := range fds {
			if i >= len(spec.Forward) {
				unix.Close(fd)
				continue
			}
			spec.Forward[i] = os.NewFile(uintptr(fd), fmt.Sprintf("exec-fd%d", i))
		}
	}
	if err := d.srv.Dispatch(args.Ref, "exec", spec, ""); err != nil {
		return nil, nil, ipc.NewError(ipc.ENOENT, "exec: %v", err)
	}
	return nil, nil, nil
}

func (d *daemon) handleRunMain(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[containerRefArgs](value)
	if err != nil {
		return nil, nil, err
	}
	if err := d.srv.Dispatch(args.Ref, "run_main", runner.ExecSpec{}, ""); err != nil {
		return nil, nil, ipc.NewError(ipc.ENOENT, "run_main: %v", err)
	}
	return nil, nil, nil
}

func (d *daemon) handleLink(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[containerRefArgs](value)
	if err != nil {
		return nil, nil, err
	}
	id, err := d.srv.ResolveID(args.Ref)
	if err != nil {
		return nil, nil, ipc.NewError(ipc.ENOENT, "link: %v", err)
	}
	peer.Link(id)
	return nil, nil, nil
}

type rdrArgs struct {
	Ref        string   `json:"ref"`
	Protos     []string `json:"protos"`
	SourcePort uint16   `json:"source_port"`
	DestPort   uint16   `json:"dest_port"`
}

func (d *daemon) handleRdr(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[rdrArgs](value)
	if err != nil {
		return nil, nil, err
	}
	var protos []portfwd.Proto
	for _, p := range args.Protos {
		protos = append(protos, portfwd.Proto(p))
	}
	rule := portfwd.Rule{Protos: protos, SourcePort: portfwd.Single(args.SourcePort), DestPort: args.DestPort}
	if err := d.srv.DoRdr(args.Ref, rule); err != nil {
		return nil, nil, ipc.NewError(ipc.ENOENT, "rdr: %v", err)
	}
	return nil, nil, nil
}

func (d *daemon) handleListSiteRdr(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	rules := d.srv.PortFwd.All()
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.ToPFRule()
	}
	return out, nil, nil
}

type netgroupArgs struct {
	Ref      string `json:"ref"`
	NetGroup string `json:"netgroup"`
}

func (d *daemon) handleCommitNetgroup(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[netgroupArgs](value)
	if err != nil {
		return nil, nil, err
	}
	if err := d.srv.UpdateHosts(ctx, args.NetGroup); err != nil {
		return nil, nil, ipc.NewError(ipc.EIO, "commit_netgroup: %v", err)
	}
	return nil, nil, nil
}

func (d *daemon) handleAddNetgroup(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[netgroupArgs](value)
	if err != nil {
		return nil, nil, err
	}
	if err := d.srv.AddToNetgroup(ctx, args.Ref, args.NetGroup); err != nil {
		return nil, nil, ipc.NewError(ipc.ENOENT, "add-netgroup: %v", err)
	}
	return nil, nil, nil
}

type loginArgs struct {
	Host     string `json:"host"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (d *daemon) handleLogin(ctx context.Context, peer *ipc.PeerContext, value json.RawMessage, fds []int) (any, []int, error) {
	args, err := decode[loginArgs](value)
	if err != nil {
		return nil, nil, err
	}
	d.login(args.Host, args.Username, args.Password)
	return nil, nil, nil
}
