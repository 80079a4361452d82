// Package hostos implements site.Host by shelling out to the FreeBSD
// userland tools the daemon needs (pfctl, ifconfig, mount_nullfs,
// jail, devfs), in the same exec.CommandContext + slog.InfoContext
// style as internal/rootfs.ZFSCmd.
package hostos

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/banksean/xc/internal/devfs"
	"github.com/banksean/xc/internal/site"
)

// Host is the concrete site.Host implementation for a real FreeBSD
// system: every method shells out to the matching userland tool.
type Host struct {
	PfctlBin     string
	IfconfigBin  string
	MountBin     string
	UmountBin    string
	JailBin      string
	JexecBin     string
	CpBin        string
	DevfsBin     string
	AnchorParent string // pf(4) anchor parent, e.g. "xc"
}

// New returns a Host with the teacher's $XC_ZFS_CMD-style overridable
// binaries, defaulting to the standard FreeBSD install paths.
func New() *Host {
	return &Host{
		PfctlBin:     envOr("XC_PFCTL_CMD", "/sbin/pfctl"),
		IfconfigBin:  envOr("XC_IFCONFIG_CMD", "/sbin/ifconfig"),
		MountBin:     envOr("XC_MOUNT_CMD", "/sbin/mount_nullfs"),
		UmountBin:    envOr("XC_UMOUNT_CMD", "/sbin/umount"),
		JailBin:      envOr("XC_JAIL_CMD", "/usr/sbin/jail"),
		JexecBin:     envOr("XC_JEXEC_CMD", "/usr/sbin/jexec"),
		CpBin:        envOr("XC_CP_CMD", "/bin/cp"),
		DevfsBin:     envOr("XC_DEVFS_CMD", "/sbin/devfs"),
		AnchorParent: "xc",
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (h *Host) run(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	slog.InfoContext(ctx, "hostos", "cmd", strings.Join(cmd.Args, " "))
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("hostos: %s %s: %w: %s", bin, strings.Join(args, " "), err, out.String())
	}
	return strings.TrimSpace(out.String()), nil
}

func (h *Host) anchorName(name string) string {
	return h.AnchorParent + "/" + name
}

// CreatePFAnchor loads an (initially empty) rule set into a named
// pf(4) anchor nested under AnchorParent.
func (h *Host) CreatePFAnchor(ctx context.Context, name string) error {
	_, err := h.run(ctx, h.PfctlBin, "-a", h.anchorName(name), "-f", "/dev/stdin")
	return err
}

// RemovePFAnchor flushes the named anchor's rules.
func (h *Host) RemovePFAnchor(ctx context.Context, name string) error {
	_, err := h.run(ctx, h.PfctlBin, "-a", h.anchorName(name), "-F", "all")
	return err
}

// WriteResolvConf writes /etc/resolv.conf inside a container's root.
func (h *Host) WriteResolvConf(ctx context.Context, root, contents string) error {
	return os.WriteFile(root+"/etc/resolv.conf", []byte(contents), 0o644)
}

// SetDevfsRuleset applies an interned ruleset number to root/dev.
func (h *Host) SetDevfsRuleset(ctx context.Context, root string, ruleset uint16) error {
	_, err := h.run(ctx, h.DevfsBin, "-m", root+"/dev", "ruleset", strconv.Itoa(int(ruleset)))
	return err
}

// MountDevfs mounts a devfs instance at root/dev.
func (h *Host) MountDevfs(ctx context.Context, root string) error {
	_, err := h.run(ctx, "/sbin/mount", "-t", "devfs", "devfs", root+"/dev")
	return err
}

// Mount mounts m onto root according to its Kind.
func (h *Host) Mount(ctx context.Context, root string, m site.MountSpec) error {
	target := root + m.Target
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("hostos: mkdir %s: %w", target, err)
	}
	switch m.Kind {
	case "nullfs":
		_, err := h.run(ctx, h.MountBin, m.Source, target)
		return err
	case "procfs":
		_, err := h.run(ctx, "/sbin/mount", "-t", "procfs", "proc", target)
		return err
	case "fdescfs":
		_, err := h.run(ctx, "/sbin/mount", "-t", "fdescfs", "fdesc", target)
		return err
	default:
		return fmt.Errorf("hostos: unknown mount kind %q", m.Kind)
	}
}

// Unmount unmounts target.
func (h *Host) Unmount(ctx context.Context, target string) error {
	_, err := h.run(ctx, h.UmountBin, target)
	return err
}

// CopyFile copies src to dst preserving mode bits, via cp -p.
func (h *Host) CopyFile(ctx context.Context, src, dst string) error {
	_, err := h.run(ctx, h.CpBin, "-p", src, dst)
	return err
}

// CreateEpair allocates a fresh epair(4) pair and returns both sides.
func (h *Host) CreateEpair(ctx context.Context) (string, string, error) {
	out, err := h.run(ctx, h.IfconfigBin, "epair", "create")
	if err != nil {
		return "", "", err
	}
	sideA := strings.TrimSpace(out)
	if !strings.HasSuffix(sideA, "a") {
		return "", "", fmt.Errorf("hostos: unexpected epair name %q", sideA)
	}
	sideB := strings.TrimSuffix(sideA, "a") + "b"
	return sideA, sideB, nil
}

// BringUp brings an interface up.
func (h *Host) BringUp(ctx context.Context, iface string) error {
	_, err := h.run(ctx, h.IfconfigBin, iface, "up")
	return err
}

// AddToBridge adds iface to bridge.
func (h *Host) AddToBridge(ctx context.Context, bridge, iface string) error {
	_, err := h.run(ctx, h.IfconfigBin, bridge, "addm", iface)
	return err
}

// DestroyEpair tears down an epair pair given either side's name.
func (h *Host) DestroyEpair(ctx context.Context, sideA string) error {
	_, err := h.run(ctx, h.IfconfigBin, sideA, "destroy")
	return err
}

// AddAlias adds addr as an IP alias on iface.
func (h *Host) AddAlias(ctx context.Context, iface string, addr netip.Prefix) error {
	_, err := h.run(ctx, h.IfconfigBin, iface, "inet", addr.String(), "alias")
	return err
}

// DeleteAlias removes addr from iface.
func (h *Host) DeleteAlias(ctx context.Context, iface string, addr netip.Prefix) error {
	_, err := h.run(ctx, h.IfconfigBin, iface, "inet", addr.String(), "-alias")
	return err
}

// ApplyAllowFlags sets jail(8) allow.* parameters on a running jail.
func (h *Host) ApplyAllowFlags(ctx context.Context, jid string, flags []string, linux, linprocfs, linsysfs bool) error {
	args := []string{"-m", "jid=" + jid}
	for _, f := range flags {
		args = append(args, "allow."+f+"=1")
	}
	if linux {
		args = append(args, "allow.mount.linprocfs=1", "allow.mount.linsysfs=1")
	}
	_, err := h.run(ctx, h.JailBin, args...)
	return err
}

// StartJail creates and starts the jail rooted at root, returning its jid.
func (h *Host) StartJail(ctx context.Context, jailID, root string) (string, error) {
	out, err := h.run(ctx, h.JailBin, "-c", "name="+jailID, "path="+root, "persist")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// UnjailIface reclaims iface from a jail back to the host.
func (h *Host) UnjailIface(ctx context.Context, jid, iface string) error {
	_, err := h.run(ctx, h.IfconfigBin, iface, "-vnet", jid)
	return err
}

// MoveIntoJail moves iface into jid's vnet.
func (h *Host) MoveIntoJail(ctx context.Context, jid, iface string) error {
	_, err := h.run(ctx, h.IfconfigBin, iface, "vnet", jid)
	return err
}

// AssignAddress assigns addr to iface inside jid.
func (h *Host) AssignAddress(ctx context.Context, jid, iface string, addr netip.Prefix) error {
	_, err := h.run(ctx, h.JexecBin, jid, h.IfconfigBin, iface, "inet", addr.String())
	return err
}

// AddDefaultRoute adds a default route inside jid.
func (h *Host) AddDefaultRoute(ctx context.Context, jid string, gw netip.Addr) error {
	_, err := h.run(ctx, h.JexecBin, jid, "/sbin/route", "add", "default", gw.String())
	return err
}

// ReleaseAddress is a no-op on the host side: the address is released
// from the allocator's database by internal/server; nothing further
// needs reclaiming once its interface/jail is already torn down.
func (h *Host) ReleaseAddress(ctx context.Context, addr netip.Prefix) error {
	return nil
}

// RegisterDevfsRuleset loads one rule per line into devfs ruleset id,
// resetting it first so re-registration after a daemon restart is
// idempotent. Matches the devfs.Registrar contract cmd/xcd wires into
// devfs.NewStore.
func (h *Host) RegisterDevfsRuleset(id devfs.RulesetID, rules []string) error {
	ctx := context.Background()
	ruleset := strconv.Itoa(int(id))
	if _, err := h.run(ctx, h.DevfsBin, "rule", "-s", ruleset, "reset"); err != nil {
		return err
	}
	for _, rule := range rules {
		args := append([]string{"rule", "-s", ruleset, "add"}, strings.Fields(rule)...)
		if _, err := h.run(ctx, h.DevfsBin, args...); err != nil {
			return err
		}
	}
	return nil
}

var _ site.Host = (*Host)(nil)
