package portfwd

import (
	"testing"

	"github.com/banksean/xc/internal/ipcidr"
)

func TestToPFRule(t *testing.T) {
	main, err := ipcidr.Parse("192.168.1.1/24")
	if err != nil {
		t.Fatal(err)
	}
	r := &Rule{
		Protos:     []Proto{TCP, UDP},
		SourcePort: Single(22),
		DestPort:   88,
	}
	r.WithHostInfo([]string{"cxl0"}, main)

	got := r.ToPFRule()
	want := "rdr on {cxl0} proto {tcp,udp} from any to any port 22 -> 192.168.1.1/32 port 88"
	if got != want {
		t.Fatalf("ToPFRule() = %q, want %q", got, want)
	}
}

func TestParseShorthand(t *testing.T) {
	r, err := ParseShorthand("[::1]:443:80/tcp,udp")
	if err != nil {
		t.Fatal(err)
	}
	if r.Ifaces != nil {
		t.Fatalf("Ifaces = %v, want nil", r.Ifaces)
	}
	if len(r.Addresses) != 1 || r.Addresses[0].Addr.String() != "::1" {
		t.Fatalf("Addresses = %v, want [::1]", r.Addresses)
	}
	if r.SourcePort != Single(443) {
		t.Fatalf("SourcePort = %v, want Single(443)", r.SourcePort)
	}
	if r.DestPort != 80 {
		t.Fatalf("DestPort = %d, want 80", r.DestPort)
	}
	if len(r.Protos) != 2 || r.Protos[0] != TCP || r.Protos[1] != UDP {
		t.Fatalf("Protos = %v, want [tcp udp]", r.Protos)
	}
}

func TestTableOrderingAcrossRemoval(t *testing.T) {
	tbl := NewTable()
	a1 := &Rule{DestPort: 1}
	a2 := &Rule{DestPort: 2}
	b1 := &Rule{DestPort: 3}

	tbl.Append("a", a1)
	tbl.Append("b", b1)
	tbl.Append("a", a2)

	before := tbl.ForID("a")
	if len(before) != 2 || before[0] != a1 || before[1] != a2 {
		t.Fatalf("unexpected pre-removal order for a: %v", before)
	}

	tbl.Remove("b")
	after := tbl.ForID("a")
	if len(after) != 2 || after[0] != a1 || after[1] != a2 {
		t.Fatalf("removal of b disturbed a's rule order: %v", after)
	}

	all := tbl.All()
	if len(all) != 2 || all[0] != a1 || all[1] != a2 {
		t.Fatalf("All() after removal = %v", all)
	}
}
