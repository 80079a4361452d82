// Package site implements per-container staging of spec §4.11: the
// nine-step transactional setup procedure, with an undo stack that
// unwinds every completed step on failure. Grounded on
// original_source/xc/src/container/mod.rs's start_transactionally.
package site

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/banksean/xc/internal/digest"
	"github.com/banksean/xc/internal/rootfs"
)

// DNSPolicy selects how /etc/resolv.conf is populated in step 2.
type DNSPolicy int

const (
	DNSNop DNSPolicy = iota
	DNSInherit
	DNSSpecified
)

// MountSpec is one user-requested nullfs/procfs/fdescfs mount.
type MountSpec struct {
	Kind   string // "nullfs", "procfs", "fdescfs"
	Source string
	Target string
}

// CopySpec is one host-to-container file to copy via copy_file_range.
type CopySpec struct {
	HostPath      string
	ContainerPath string
}

// AddressAlloc is one allocated address, vnet-routed or alias-routed.
type AddressAlloc struct {
	CIDR      netip.Prefix
	Interface string // bridge (vnet) or host interface (alias)
}

// Blueprint is everything start_transactionally needs to stage one
// container — the flattened output of instantiate's validation pass.
type Blueprint struct {
	ContainerID  string
	Root         string
	DNSPolicy    DNSPolicy
	ResolvConf   string // used when DNSPolicy == DNSSpecified
	DevfsRuleset uint16
	Mounts       []MountSpec
	Copies       []CopySpec
	VNet         bool
	Addresses    []AddressAlloc
	DefaultRoute netip.Addr
	AllowFlags   []string
	Linux        bool
	LinProcfs    bool
	LinSysfs     bool
}

// UndoKind tags the category of a pushed undo action, for inspection
// and logging; Closure carries the actual compensating call.
type UndoKind int

const (
	UndoUnmount UndoKind = iota
	UndoDeleteIfaceAlias
	UndoDestroyEpair
	UndoUnjailIface
	UndoRemovePFAnchor
	UndoReleaseAddress
	UndoOther
)

// UndoAction is one compensating step, run LIFO by unwind().
type UndoAction struct {
	Kind    UndoKind
	Label   string
	Closure func(ctx context.Context) error
}

// Host is the set of host-level primitives start_transactionally
// drives; production code wires a concrete implementation shelling
// to pfctl/ifconfig/jail(8), mirroring the teacher's
// exec.CommandContext style. A test substitutes a fake.
type Host interface {
	CreatePFAnchor(ctx context.Context, name string) error
	RemovePFAnchor(ctx context.Context, name string) error
	WriteResolvConf(ctx context.Context, root, contents string) error
	SetDevfsRuleset(ctx context.Context, root string, ruleset uint16) error
	MountDevfs(ctx context.Context, root string) error
	Mount(ctx context.Context, root string, m MountSpec) error
	Unmount(ctx context.Context, target string) error
	CopyFile(ctx context.Context, src, dst string) error
	CreateEpair(ctx context.Context) (sideA, sideB string, err error)
	BringUp(ctx context.Context, iface string) error
	AddToBridge(ctx context.Context, bridge, iface string) error
	DestroyEpair(ctx context.Context, sideA string) error
	AddAlias(ctx context.Context, iface string, addr netip.Prefix) error
	DeleteAlias(ctx context.Context, iface string, addr netip.Prefix) error
	ApplyAllowFlags(ctx context.Context, jid string, flags []string, linux, linprocfs, linsysfs bool) error
	StartJail(ctx context.Context, jailID, root string) (jid string, err error)
	UnjailIface(ctx context.Context, jid, iface string) error
	MoveIntoJail(ctx context.Context, jid, iface string) error
	AssignAddress(ctx context.Context, jid, iface string, addr netip.Prefix) error
	AddDefaultRoute(ctx context.Context, jid string, gw netip.Addr) error
	ReleaseAddress(ctx context.Context, addr netip.Prefix) error
}

// Site is one container's staged filesystem + network state.
type Site struct {
	ID         string
	Root       string
	Blueprint  *Blueprint
	JailID     string
	undoStack  []UndoAction
	pendingB   []pendingEpairSide // side-B ends awaiting move into the jail, per step 6/9
}

type pendingEpairSide struct {
	sideB string
	addr  AddressAlloc
}

func New(id, root string, bp *Blueprint) *Site {
	return &Site{ID: id, Root: root, Blueprint: bp}
}

func (s *Site) push(u UndoAction) {
	s.undoStack = append(s.undoStack, u)
}

// Unwind pops the undo stack LIFO, running every compensating action
// regardless of individual failures (best-effort teardown), returning
// the first error encountered if any.
func (s *Site) Unwind(ctx context.Context) error {
	var firstErr error
	for i := len(s.undoStack) - 1; i >= 0; i-- {
		if err := s.undoStack[i].Closure(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("site: unwind %q: %w", s.undoStack[i].Label, err)
		}
	}
	s.undoStack = nil
	return firstErr
}

// StartTransactionally runs the nine ordered steps of spec §4.11,
// pushing an inverse onto the undo stack after each success and
// unwinding everything already done if any step fails.
func (s *Site) StartTransactionally(ctx context.Context, host Host) (err error) {
	bp := s.Blueprint
	anchor := fmt.Sprintf("xc/%s", s.ID)

	defer func() {
		if err != nil {
			_ = s.Unwind(ctx)
		}
	}()

	// 1. pf anchor
	if err = host.CreatePFAnchor(ctx, anchor); err != nil {
		return fmt.Errorf("site: create pf anchor %s: %w", anchor, err)
	}
	s.push(UndoAction{Kind: UndoRemovePFAnchor, Label: "pf anchor " + anchor, Closure: func(ctx context.Context) error {
		return host.RemovePFAnchor(ctx, anchor)
	}})

	// 2. resolv.conf
	switch bp.DNSPolicy {
	case DNSInherit, DNSSpecified:
		contents := bp.ResolvConf
		if err = host.WriteResolvConf(ctx, s.Root, contents); err != nil {
			return fmt.Errorf("site: write resolv.conf: %w", err)
		}
	case DNSNop:
		// leave untouched
	}

	// 3. devfs ruleset + mount
	if err = host.SetDevfsRuleset(ctx, s.Root, bp.DevfsRuleset); err != nil {
		return fmt.Errorf("site: set devfs ruleset: %w", err)
	}
	if err = host.MountDevfs(ctx, s.Root); err != nil {
		return fmt.Errorf("site: mount devfs: %w", err)
	}
	devfsTarget := s.Root + "/dev"
	s.push(UndoAction{Kind: UndoUnmount, Label: "devfs " + devfsTarget, Closure: func(ctx context.Context) error {
		return host.Unmount(ctx, devfsTarget)
	}})

	// 4. user-requested mounts
	for _, m := range bp.Mounts {
		m := m
		if err = host.Mount(ctx, s.Root, m); err != nil {
			return fmt.Errorf("site: mount %s -> %s: %w", m.Source, m.Target, err)
		}
		s.push(UndoAction{Kind: UndoUnmount, Label: "mount " + m.Target, Closure: func(ctx context.Context) error {
			return host.Unmount(ctx, m.Target)
		}})
	}

	// 5. copy files
	for _, c := range bp.Copies {
		if err = host.CopyFile(ctx, c.HostPath, c.ContainerPath); err != nil {
			return fmt.Errorf("site: copy %s -> %s: %w", c.HostPath, c.ContainerPath, err)
		}
	}

	// 6. network setup
	if bp.VNet {
		for _, alloc := range bp.Addresses {
			alloc := alloc
			sideA, sideB, cerr := host.CreateEpair(ctx)
			if cerr != nil {
				err = fmt.Errorf("site: create epair: %w", cerr)
				return err
			}
			s.push(UndoAction{Kind: UndoDestroyEpair, Label: "epair " + sideA, Closure: func(ctx context.Context) error {
				return host.DestroyEpair(ctx, sideA)
			}})
			if err = host.BringUp(ctx, sideA); err != nil {
				return fmt.Errorf("site: bring up %s: %w", sideA, err)
			}
			if err = host.BringUp(ctx, sideB); err != nil {
				return fmt.Errorf("site: bring up %s: %w", sideB, err)
			}
			if err = host.AddToBridge(ctx, alloc.Interface, sideA); err != nil {
				return fmt.Errorf("site: add %s to bridge %s: %w", sideA, alloc.Interface, err)
			}
			s.pendingB = append(s.pendingB, pendingEpairSide{sideB: sideB, addr: alloc})
		}
	} else {
		for _, alloc := range bp.Addresses {
			alloc := alloc
			if err = host.AddAlias(ctx, alloc.Interface, alloc.CIDR); err != nil {
				return fmt.Errorf("site: add alias %s on %s: %w", alloc.CIDR, alloc.Interface, err)
			}
			s.push(UndoAction{Kind: UndoDeleteIfaceAlias, Label: "alias " + alloc.CIDR.String(), Closure: func(ctx context.Context) error {
				return host.DeleteAlias(ctx, alloc.Interface, alloc.CIDR)
			}})
		}
	}

	// 7. allow flags + linux
	if err = host.ApplyAllowFlags(ctx, s.JailID, bp.AllowFlags, bp.Linux, bp.LinProcfs, bp.LinSysfs); err != nil {
		return fmt.Errorf("site: apply allow flags: %w", err)
	}

	// 8. start jail
	jid, serr := host.StartJail(ctx, s.ID, s.Root)
	if serr != nil {
		err = fmt.Errorf("site: start jail: %w", serr)
		return err
	}
	s.JailID = jid

	// 9. move epair ends, assign addresses, default route
	if bp.VNet {
		for _, p := range s.pendingB {
			p := p
			if err = host.MoveIntoJail(ctx, jid, p.sideB); err != nil {
				return fmt.Errorf("site: move %s into jail: %w", p.sideB, err)
			}
			s.push(UndoAction{Kind: UndoUnjailIface, Label: "unjail " + p.sideB, Closure: func(ctx context.Context) error {
				return host.UnjailIface(ctx, jid, p.sideB)
			}})
			if err = host.AssignAddress(ctx, jid, p.sideB, p.addr.CIDR); err != nil {
				return fmt.Errorf("site: assign address %s on %s: %w", p.addr.CIDR, p.sideB, err)
			}
			s.push(UndoAction{Kind: UndoReleaseAddress, Label: "release " + p.addr.CIDR.String(), Closure: func(ctx context.Context) error {
				return host.ReleaseAddress(ctx, p.addr.CIDR)
			}})
		}
		if bp.DefaultRoute.IsValid() {
			if err = host.AddDefaultRoute(ctx, jid, bp.DefaultRoute); err != nil {
				return fmt.Errorf("site: add default route: %w", err)
			}
		}
	}

	return nil
}

// SnapshotWithGeneratedTag creates a snapshot of dataset tagged with
// generatedTag, a name the caller generates; it returns only an error.
func (s *Site) SnapshotWithGeneratedTag(ctx context.Context, ds rootfs.Dataset, dataset, generatedTag string) error {
	if err := ds.Snapshot(ctx, dataset, generatedTag); err != nil {
		return fmt.Errorf("site: snapshot %s@%s: %w", dataset, generatedTag, err)
	}
	return nil
}

// Archiver archives a snapshot's diff as a tar layer, returning
// the uncompressed diff-id and the archive's own content digest — the
// pipe-through-an-external-archiver step described in §4.11.
type Archiver func(ctx context.Context, dataset, snapshotTag string) (diffID, archiveDigest digest.Digest, err error)

// CommitToFile runs archiver against the named snapshot, returning
// the (diff_id, archive_digest) pair do_commit persists.
func (s *Site) CommitToFile(ctx context.Context, archiver Archiver, dataset, snapshotTag string) (digest.Digest, digest.Digest, error) {
	diffID, archiveDigest, err := archiver(ctx, dataset, snapshotTag)
	if err != nil {
		return digest.Digest{}, digest.Digest{}, fmt.Errorf("site: commit %s@%s: %w", dataset, snapshotTag, err)
	}
	return diffID, archiveDigest, nil
}

// PromoteSnapshot clones src@tag into dstDataset and promotes it.
func (s *Site) PromoteSnapshot(ctx context.Context, ds rootfs.Dataset, src, tag, dstDataset string) error {
	if err := ds.Clone(ctx, fmt.Sprintf("%s@%s", src, tag), dstDataset); err != nil {
		return fmt.Errorf("site: clone %s@%s -> %s: %w", src, tag, dstDataset, err)
	}
	if err := ds.Promote(ctx, dstDataset); err != nil {
		return fmt.Errorf("site: promote %s: %w", dstDataset, err)
	}
	return nil
}
