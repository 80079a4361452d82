package main

import (
	"fmt"
	"strings"
)

type mountSpec struct {
	Kind   string `json:"kind"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// parseMounts parses "kind:source:target" shorthand, one per --mount
// flag, matching the colon-joined shorthand internal/portfwd's own
// ParseShorthand uses for rdr flags.
func parseMounts(raw []string) ([]mountSpec, error) {
	out := make([]mountSpec, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("xc: invalid --mount %q, want kind:source:target", r)
		}
		out = append(out, mountSpec{Kind: parts[0], Source: parts[1], Target: parts[2]})
	}
	return out, nil
}

type copySpec struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
}

// parseCopies parses "host-path:container-path" shorthand.
func parseCopies(raw []string) ([]copySpec, error) {
	out := make([]copySpec, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("xc: invalid --copy %q, want host-path:container-path", r)
		}
		out = append(out, copySpec{HostPath: parts[0], ContainerPath: parts[1]})
	}
	return out, nil
}
