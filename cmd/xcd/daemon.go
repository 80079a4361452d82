package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/netip"
	"path/filepath"
	"sync"

	"github.com/banksean/xc/internal/addralloc"
	"github.com/banksean/xc/internal/config"
	"github.com/banksean/xc/internal/devfs"
	"github.com/banksean/xc/internal/hostos"
	"github.com/banksean/xc/internal/image"
	"github.com/banksean/xc/internal/ipc"
	"github.com/banksean/xc/internal/layerstore"
	"github.com/banksean/xc/internal/portfwd"
	"github.com/banksean/xc/internal/registry"
	"github.com/banksean/xc/internal/rootfs"
	"github.com/banksean/xc/internal/server"
	"github.com/banksean/xc/internal/store"
	"github.com/banksean/xc/internal/telemetry"
)

// daemon bundles every wired component main.go needs to serve spec
// §6's IPC surface: the cross-container registry, the image manager,
// the IPC server, and the mutable bits (configured networks, runtime
// registry logins) that don't belong to either.
type daemon struct {
	cfg *config.Config
	db  *sql.DB

	srv    *server.Context
	images *image.Manager
	host   *hostos.Host

	ipcServer *ipc.Server
	telemetry *telemetry.Provider

	netMu    sync.Mutex
	networks map[string]config.NetworkConfig

	regMu      sync.Mutex
	registries map[string]*registry.Registry
}

func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	tel, err := telemetry.Setup(ctx, "xcd", cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("xcd: telemetry setup: %w", err)
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "xcd.db"))
	if err != nil {
		return nil, fmt.Errorf("xcd: open database: %w", err)
	}

	layers := layerstore.New(db)
	addrs := addralloc.New(db)
	pf := portfwd.NewTable()
	ds := rootfs.NewZFSCmd()
	host := hostos.New()

	devfsStore := devfs.NewStore(devfs.RulesetID(cfg.DevfsOffset), func(id devfs.RulesetID, rules []string) error {
		return host.RegisterDevfsRuleset(id, rules)
	})

	d := &daemon{
		cfg:        cfg,
		db:         db,
		host:       host,
		telemetry:  tel,
		networks:   make(map[string]config.NetworkConfig),
		registries: make(map[string]*registry.Registry),
	}

	for _, rc := range cfg.Registries {
		d.registries[rc.Host] = newRegistryClient(rc)
	}

	for _, nc := range cfg.Networks {
		if err := d.seedNetwork(ctx, addrs, nc); err != nil {
			db.Close()
			return nil, err
		}
	}

	images, err := image.NewManager(layers, ds, filepath.Join(cfg.DataDir, "layers"), d.registryFor)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("xcd: construct image manager: %w", err)
	}
	d.images = images
	d.srv = server.New(devfsStore, layers, pf, addrs, ds, host)

	reg := ipc.NewRegistry()
	registerHandlers(reg, d)

	d.ipcServer = &ipc.Server{
		SocketPath: cfg.SocketPath,
		Registry:   reg,
		Terminate: func(ctx context.Context, containerID string) error {
			return d.srv.DestroyContext(ctx, containerID)
		},
	}
	return d, nil
}

func (d *daemon) Close(ctx context.Context) {
	d.ipcServer.Close()
	d.telemetry.Shutdown(ctx)
	d.db.Close()
}

func newRegistryClient(rc config.RegistryConfig) *registry.Registry {
	var auth *registry.BasicAuth
	if rc.Username != "" {
		auth = &registry.BasicAuth{Username: rc.Username, Password: rc.Password}
	}
	return registry.New("https://"+rc.Host, auth)
}

func (d *daemon) registryFor(host string) *registry.Registry {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	return d.registries[host]
}

// login upserts credentials for host, for spec §6's login IPC method.
func (d *daemon) login(host, username, password string) {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	var auth *registry.BasicAuth
	if username != "" {
		auth = &registry.BasicAuth{Username: username, Password: password}
	}
	d.registries[host] = registry.New("https://"+host, auth)
}

func (d *daemon) seedNetwork(ctx context.Context, addrs *addralloc.Allocator, nc config.NetworkConfig) error {
	prefix, err := netip.ParsePrefix(nc.Subnet)
	if err != nil {
		return fmt.Errorf("xcd: network %q: %w", nc.Name, err)
	}
	start, end := usableRange(prefix)
	if err := addrs.CreatePool(ctx, addralloc.Pool{Network: nc.Name, Subnet: prefix, Start: start, End: end}); err != nil {
		return fmt.Errorf("xcd: seed network %q: %w", nc.Name, err)
	}
	if nc.Bridge == "" {
		nc.Bridge = "bridge0"
	}
	d.netMu.Lock()
	d.networks[nc.Name] = nc
	d.netMu.Unlock()
	slog.InfoContext(ctx, "xcd: network pool created", "name", nc.Name, "subnet", nc.Subnet)
	return nil
}

// usableRange excludes a prefix's network address and its last
// (broadcast) address from the allocatable range, matching internal/addralloc's
// own "usable" skip rule so a freshly seeded pool never offers them.
func usableRange(prefix netip.Prefix) (start, end netip.Addr) {
	base := prefix.Masked().Addr()
	start = base.Next()
	end = broadcastAddr(prefix).Prev()
	return start, end
}

func broadcastAddr(prefix netip.Prefix) netip.Addr {
	base := prefix.Masked().Addr()
	raw := base.AsSlice()
	bits := prefix.Bits()
	for i := range raw {
		bitOffset := i * 8
		switch {
		case bitOffset+8 <= bits:
			continue
		case bitOffset >= bits:
			raw[i] = 0xff
		default:
			hostBits := 8 - (bits - bitOffset)
			raw[i] |= (1 << hostBits) - 1
		}
	}
	addr, _ := netip.AddrFromSlice(raw)
	if base.Is4() {
		addr = addr.Unmap()
	}
	return addr
}
