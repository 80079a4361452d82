package site

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

type recordingHost struct {
	log        []string
	failOnMount bool
}

func (h *recordingHost) CreatePFAnchor(_ context.Context, name string) error {
	h.log = append(h.log, "create-anchor:"+name)
	return nil
}
func (h *recordingHost) RemovePFAnchor(_ context.Context, name string) error {
	h.log = append(h.log, "remove-anchor:"+name)
	return nil
}
func (h *recordingHost) WriteResolvConf(_ context.Context, root, contents string) error {
	h.log = append(h.log, "resolv:"+root)
	return nil
}
func (h *recordingHost) SetDevfsRuleset(_ context.Context, root string, ruleset uint16) error {
	h.log = append(h.log, "devfs-ruleset")
	return nil
}
func (h *recordingHost) MountDevfs(_ context.Context, root string) error {
	h.log = append(h.log, "mount-devfs")
	return nil
}
func (h *recordingHost) Mount(_ context.Context, root string, m MountSpec) error {
	if h.failOnMount {
		return errors.New("mount failed")
	}
	h.log = append(h.log, "mount:"+m.Target)
	return nil
}
func (h *recordingHost) Unmount(_ context.Context, target string) error {
	h.log = append(h.log, "unmount:"+target)
	return nil
}
func (h *recordingHost) CopyFile(_ context.Context, src, dst string) error { return nil }
func (h *recordingHost) CreateEpair(_ context.Context) (string, string, error) {
	return "epair0a", "epair0b", nil
}
func (h *recordingHost) BringUp(_ context.Context, iface string) error { return nil }
func (h *recordingHost) AddToBridge(_ context.Context, bridge, iface string) error { return nil }
func (h *recordingHost) DestroyEpair(_ context.Context, sideA string) error {
	h.log = append(h.log, "destroy-epair:"+sideA)
	return nil
}
func (h *recordingHost) AddAlias(_ context.Context, iface string, addr netip.Prefix) error {
	h.log = append(h.log, "add-alias:"+addr.String())
	return nil
}
func (h *recordingHost) DeleteAlias(_ context.Context, iface string, addr netip.Prefix) error {
	h.log = append(h.log, "delete-alias:"+addr.String())
	return nil
}
func (h *recordingHost) ApplyAllowFlags(_ context.Context, jid string, flags []string, linux, linprocfs, linsysfs bool) error {
	return nil
}
func (h *recordingHost) StartJail(_ context.Context, jailID, root string) (string, error) {
	return "jail-" + jailID, nil
}
func (h *recordingHost) UnjailIface(_ context.Context, jid, iface string) error { return nil }
func (h *recordingHost) MoveIntoJail(_ context.Context, jid, iface string) error { return nil }
func (h *recordingHost) AssignAddress(_ context.Context, jid, iface string, addr netip.Prefix) error {
	return nil
}
func (h *recordingHost) AddDefaultRoute(_ context.Context, jid string, gw netip.Addr) error {
	return nil
}
func (h *recordingHost) ReleaseAddress(_ context.Context, addr netip.Prefix) error { return nil }

func TestStartTransactionallyHappyPath(t *testing.T) {
	ctx := context.Background()
	h := &recordingHost{}
	bp := &Blueprint{
		ContainerID: "c1",
		DNSPolicy:   DNSNop,
		Mounts:      []MountSpec{{Kind: "nullfs", Source: "/src", Target: "/mnt/x"}},
		VNet:        false,
		Addresses:   []AddressAlloc{{CIDR: netip.MustParsePrefix("10.0.0.2/24"), Interface: "xn0"}},
	}
	s := New("c1", "/jails/c1", bp)
	if err := s.StartTransactionally(ctx, h); err != nil {
		t.Fatalf("StartTransactionally: %v", err)
	}
	if s.JailID == "" {
		t.Fatalf("expected a jail id to be set")
	}
	if len(s.undoStack) == 0 {
		t.Fatalf("expected undo actions to be recorded")
	}
}

func TestStartTransactionallyUnwindsOnFailure(t *testing.T) {
	ctx := context.Background()
	h := &recordingHost{failOnMount: true}
	bp := &Blueprint{
		ContainerID: "c2",
		DNSPolicy:   DNSNop,
		Mounts:      []MountSpec{{Kind: "nullfs", Source: "/src", Target: "/mnt/x"}},
	}
	s := New("c2", "/jails/c2", bp)
	err := s.StartTransactionally(ctx, h)
	if err == nil {
		t.Fatalf("expected failure from Mount")
	}
	if len(s.undoStack) != 0 {
		t.Fatalf("expected undo stack to be drained after unwind, got %d entries", len(s.undoStack))
	}

	foundAnchorRemoved, foundDevfsUnmounted := false, false
	for _, l := range h.log {
		if l == "remove-anchor:xc/c2" {
			foundAnchorRemoved = true
		}
		if l == "unmount:/jails/c2/dev" {
			foundDevfsUnmounted = true
		}
	}
	if !foundAnchorRemoved {
		t.Fatalf("expected pf anchor to be removed during unwind, log: %v", h.log)
	}
	if !foundDevfsUnmounted {
		t.Fatalf("expected devfs to be unmounted during unwind, log: %v", h.log)
	}
}
