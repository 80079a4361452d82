package main

import (
	"fmt"

	"github.com/google/uuid"
)

// RunCmd instantiates a container from an image, following exec_cmd.go's
// "create with a given id, or a fresh one" pattern. instantiate already
// drives the init/main/deinit phases internally (server.Context.Instantiate
// starts the runner's Run loop before returning), so run has nothing
// further to dispatch once the call succeeds.
type RunCmd struct {
	Image      string   `arg:"" help:"image reference: \"name:tag\" or \"sha256:...\""`
	ID         string   `placeholder:"<id>" help:"container id; a random uuid if unset"`
	Name       string   `placeholder:"<name>" help:"a human-friendly alias for the container"`
	Network    string   `placeholder:"<network>" help:"attach to this configured network"`
	NetGroup   string   `placeholder:"<group>" help:"join this netgroup for DNS/hosts resolution"`
	NoClean    bool     `help:"leave the container's site staged after its main process exits"`
	Mount      []string `placeholder:"<kind:source:target>" help:"mount a filesystem into the container, repeatable"`
	Copy       []string `placeholder:"<host-path:container-path>" help:"copy a file into the container, repeatable"`
	DNS        string   `default:"nop" enum:"nop,inherit,specified" help:"resolv.conf population policy"`
	ResolvConf string   `placeholder:"<path>" help:"resolv.conf contents to use when --dns=specified"`
}

func (r *RunCmd) Run(cctx *Context) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	cl, err := cctx.Dial()
	if err != nil {
		return err
	}
	defer cl.Close()

	args := map[string]any{
		"id":          r.ID,
		"name":        r.Name,
		"image":       r.Image,
		"network":     r.Network,
		"netgroup":    r.NetGroup,
		"no_clean":    r.NoClean,
		"dns_policy":  r.DNS,
		"resolv_conf": r.ResolvConf,
	}
	if len(r.Mount) > 0 {
		mounts, err := parseMounts(r.Mount)
		if err != nil {
			return err
		}
		args["mounts"] = mounts
	}
	if len(r.Copy) > 0 {
		copies, err := parseCopies(r.Copy)
		if err != nil {
			return err
		}
		args["copies"] = copies
	}

	var result struct {
		ID     string `json:"id"`
		JailID string `json:"jail_id"`
	}
	if _, err := cl.Call("instantiate", args, &result); err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", result.ID, result.JailID)
	return nil
}
