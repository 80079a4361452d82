package addralloc

import (
	"context"
	"net/netip"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/banksean/xc/internal/store"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(dir + "/xc.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNextCIDRSequentialAndRelease(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t)

	if err := a.CreatePool(ctx, Pool{
		Network: "n1",
		Subnet:  mustPrefix(t, "10.9.0.0/29"),
		Start:   mustAddr(t, "10.9.0.2"),
		End:     mustAddr(t, "10.9.0.6"),
	}); err != nil {
		t.Fatal(err)
	}

	addr1, err := a.NextCIDR(ctx, "n1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if addr1.String() != "10.9.0.2" {
		t.Fatalf("first allocation = %s, want 10.9.0.2", addr1)
	}

	addr2, err := a.NextCIDR(ctx, "n1", "c2")
	if err != nil {
		t.Fatal(err)
	}
	if addr2.String() != "10.9.0.3" {
		t.Fatalf("second allocation = %s, want 10.9.0.3", addr2)
	}

	if err := a.Release(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	addr3, err := a.NextCIDR(ctx, "n1", "c3")
	if err != nil {
		t.Fatal(err)
	}
	if addr3.String() != "10.9.0.4" {
		t.Fatalf("third allocation = %s, want 10.9.0.4 (resumes after last_allocated, not at the released 10.9.0.2)", addr3)
	}
}

func TestAssignCIDRConflicts(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t)
	if err := a.CreatePool(ctx, Pool{
		Network: "n1",
		Subnet:  mustPrefix(t, "10.9.0.0/29"),
		Start:   mustAddr(t, "10.9.0.2"),
		End:     mustAddr(t, "10.9.0.6"),
	}); err != nil {
		t.Fatal(err)
	}

	if err := a.AssignCIDR(ctx, "n1", "c1", mustAddr(t, "10.9.0.3")); err != nil {
		t.Fatal(err)
	}
	if err := a.AssignCIDR(ctx, "n1", "c2", mustAddr(t, "10.9.0.3")); err != ErrAddressUsed {
		t.Fatalf("got %v, want ErrAddressUsed", err)
	}
	if err := a.AssignCIDR(ctx, "n1", "c2", mustAddr(t, "10.10.0.3")); err != ErrInvalidAddress {
		t.Fatalf("got %v, want ErrInvalidAddress", err)
	}
}

func TestNextCIDRExhaustedOn32(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t)
	if err := a.CreatePool(ctx, Pool{
		Network: "single",
		Subnet:  mustPrefix(t, "10.0.0.5/32"),
		Start:   mustAddr(t, "10.0.0.5"),
		End:     mustAddr(t, "10.0.0.5"),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := a.NextCIDR(ctx, "single", "c1"); err == nil {
		t.Fatalf("expected AllocationFailure on exhausted /32 pool")
	} else if _, ok := err.(*AllocationFailure); !ok {
		t.Fatalf("got %T, want *AllocationFailure", err)
	}
}
