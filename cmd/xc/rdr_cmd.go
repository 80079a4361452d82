package main

import (
	"fmt"
	"strconv"
	"strings"
)

// RdrCmd adds a port redirection to a container, or lists the ones
// already active when --list is given, per spec §6's rdr/list_site_rdr.
type RdrCmd struct {
	List bool `help:"list active port redirections instead of adding one"`

	Ref    string `arg:"" optional:"" help:"container id or name"`
	Protos string `arg:"" optional:"" help:"comma-separated protocols, e.g. tcp,udp"`
	Ports  string `arg:"" optional:"" help:"source:dest port pair, e.g. 8080:80"`
}

func (r *RdrCmd) Run(cctx *Context) error {
	cl, err := cctx.Dial()
	if err != nil {
		return err
	}
	defer cl.Close()

	if r.List {
		var rules []string
		if _, err := cl.Call("list_site_rdr", nil, &rules); err != nil {
			return err
		}
		for _, rule := range rules {
			fmt.Println(rule)
		}
		return nil
	}

	if r.Ref == "" || r.Protos == "" || r.Ports == "" {
		return fmt.Errorf("xc: rdr requires ref, protos, and source:dest ports (or --list)")
	}
	ports := strings.SplitN(r.Ports, ":", 2)
	if len(ports) != 2 {
		return fmt.Errorf("xc: invalid port pair %q, want source:dest", r.Ports)
	}
	source, err := strconv.ParseUint(ports[0], 10, 16)
	if err != nil {
		return fmt.Errorf("xc: invalid source port %q: %w", ports[0], err)
	}
	dest, err := strconv.ParseUint(ports[1], 10, 16)
	if err != nil {
		return fmt.Errorf("xc: invalid dest port %q: %w", ports[1], err)
	}

	args := map[string]any{
		"ref":         r.Ref,
		"protos":      strings.Split(r.Protos, ","),
		"source_port": uint16(source),
		"dest_port":   uint16(dest),
	}
	if _, err := cl.Call("rdr", args, nil); err != nil {
		return err
	}
	fmt.Printf("%s -> %s:%s\n", r.Ports, r.Ref, r.Protos)
	return nil
}
