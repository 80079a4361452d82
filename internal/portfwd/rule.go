// Package portfwd implements the per-container port-redirection model
// and the order-preserving rule table of spec §4.4, grounded on
// original_source/xcd/src/port.rs and xc/src/models/network.rs.
package portfwd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/banksean/xc/internal/ipcidr"
)

// Proto is a forwarded transport protocol.
type Proto string

const (
	TCP  Proto = "tcp"
	UDP  Proto = "udp"
	SCTP Proto = "sctp"
)

func parseProto(s string) (Proto, error) {
	switch Proto(s) {
	case TCP, UDP, SCTP:
		return Proto(s), nil
	default:
		return "", fmt.Errorf("portfwd: unknown protocol %q", s)
	}
}

// PortNum is either a single port or a start/length range, matching
// the original PortNum::Single/Range variants.
type PortNum struct {
	Start  uint16
	Length uint16 // 0 means Single
}

func Single(port uint16) PortNum { return PortNum{Start: port} }
func Range(start, length uint16) PortNum {
	return PortNum{Start: start, Length: length}
}

func (p PortNum) String() string {
	if p.Length == 0 {
		return strconv.Itoa(int(p.Start))
	}
	return fmt.Sprintf("%d:%d", p.Start, p.Length)
}

// Rule is a port-redirection rule tagged with its owning container id
// once inserted into a Table.
type Rule struct {
	Ifaces     []string
	Protos     []Proto
	Origin     []string // source CIDR strings, nil/empty == "any"
	Addresses  []ipcidr.CIDR
	SourcePort PortNum
	DestPort   uint16
	DestAddr   *ipcidr.CIDR
}

// WithHostInfo fills in ifaces/dest address from the server-wide
// default external interfaces and the container's main address,
// matching PortRedirection::with_host_info.
func (r *Rule) WithHostInfo(extIfaces []string, mainIP ipcidr.CIDR) {
	if r.Ifaces == nil {
		r.Ifaces = append([]string(nil), extIfaces...)
	}
	r.DestAddr = &mainIP
}

func joinBraced(items []string) string {
	return "{" + strings.Join(items, ",") + "}"
}

// ToPFRule renders the textual anchor rule, e.g.
// "rdr on {cxl0} proto {tcp,udp} from any to any port 22 -> 192.168.1.1/32 port 88".
func (r *Rule) ToPFRule() string {
	protos := make([]string, len(r.Protos))
	for i, p := range r.Protos {
		protos[i] = string(p)
	}

	source := "any"
	if len(r.Addresses) > 0 {
		addrs := make([]string, len(r.Addresses))
		for i, a := range r.Addresses {
			addrs[i] = a.ToSingleton().String()
		}
		source = joinBraced(addrs)
	}

	destAddr := ""
	if r.DestAddr != nil {
		destAddr = r.DestAddr.ToSingleton().String()
	}

	return fmt.Sprintf("rdr on %s proto %s from any to %s port %s -> %s port %d",
		joinBraced(r.Ifaces), joinBraced(protos), source, r.SourcePort, destAddr, r.DestPort)
}

// ParseShorthand parses the CLI rdr shorthand described in spec §8,
// e.g. "[::1]:443:80/tcp,udp" -> addresses=[::1], source_port=443,
// dest_port=80, protos=[tcp,udp]. Grammar: "[addr]:srcport:destport/proto,...";
// both ports are required.
func ParseShorthand(s string) (*Rule, error) {
	body, protoList, ok := strings.Cut(s, "/")
	if !ok {
		return nil, fmt.Errorf("portfwd: missing '/proto' suffix in %q", s)
	}

	protoNames := strings.Split(protoList, ",")
	protos := make([]Proto, 0, len(protoNames))
	for _, p := range protoNames {
		proto, err := parseProto(p)
		if err != nil {
			return nil, err
		}
		protos = append(protos, proto)
	}

	// body is "[addr]:srcport:destport" or "addr:srcport:destport".
	lastColon := strings.LastIndex(body, ":")
	if lastColon < 0 {
		return nil, fmt.Errorf("portfwd: malformed shorthand %q", s)
	}
	destPortStr := body[lastColon+1:]
	rest := body[:lastColon]

	secondLastColon := strings.LastIndex(rest, ":")
	if secondLastColon < 0 {
		return nil, fmt.Errorf("portfwd: malformed shorthand %q, missing source port", s)
	}
	addrStr := rest[:secondLastColon]
	srcPortStr := rest[secondLastColon+1:]

	destPort, err := strconv.ParseUint(destPortStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("portfwd: invalid dest port %q: %w", destPortStr, err)
	}
	srcPort, err := parsePortNum(srcPortStr)
	if err != nil {
		return nil, err
	}

	rule := &Rule{
		Protos:     protos,
		SourcePort: srcPort,
		DestPort:   uint16(destPort),
	}
	if addrStr != "" {
		addr, err := ipcidr.Parse(addrStr)
		if err != nil {
			return nil, err
		}
		rule.Addresses = []ipcidr.CIDR{addr}
	}
	return rule, nil
}

func parsePortNum(s string) (PortNum, error) {
	if start, length, ok := strings.Cut(s, "-"); ok {
		a, err := strconv.ParseUint(start, 10, 16)
		if err != nil {
			return PortNum{}, fmt.Errorf("portfwd: invalid port range start %q", start)
		}
		b, err := strconv.ParseUint(length, 10, 16)
		if err != nil {
			return PortNum{}, fmt.Errorf("portfwd: invalid port range length %q", length)
		}
		return Range(uint16(a), uint16(b)), nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return PortNum{}, fmt.Errorf("portfwd: invalid port %q", s)
	}
	return Single(uint16(v)), nil
}
