package main

import (
	"fmt"
	"os"
	"text/tabwriter"
)

// NetworkCmd groups the network subcommands named in spec §6's CLI
// surface, following ImageCmd's nested-subcommand layout.
type NetworkCmd struct {
	List   NetworkListCmd   `cmd:"" help:"list configured networks"`
	Create NetworkCreateCmd `cmd:"" help:"create a new address pool"`
}

type networkView struct {
	Name    string `json:"name"`
	Subnet  string `json:"subnet"`
	Gateway string `json:"gateway"`
	Bridge  string `json:"bridge"`
}

type NetworkListCmd struct{}

func (c *NetworkListCmd) Run(cctx *Context) error {
	cl, err := cctx.Dial()
	if err != nil {
		return err
	}
	defer cl.Close()

	var networks []networkView
	if _, err := cl.Call("list_networks", nil, &networks); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSUBNET\tGATEWAY\tBRIDGE\t")
	for _, n := range networks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", n.Name, n.Subnet, n.Gateway, n.Bridge)
	}
	return w.Flush()
}

type NetworkCreateCmd struct {
	Name    string `arg:"" help:"network name"`
	Subnet  string `arg:"" help:"CIDR subnet, e.g. 10.88.0.0/24"`
	Gateway string `placeholder:"<addr>" help:"default route pushed into containers on this network"`
	Bridge  string `placeholder:"<iface>" default:"bridge0" help:"vnet bridge interface containers attach to"`
}

func (c *NetworkCreateCmd) Run(cctx *Context) error {
	cl, err := cctx.Dial()
	if err != nil {
		return err
	}
	defer cl.Close()

	args := map[string]string{"name": c.Name, "subnet": c.Subnet, "gateway": c.Gateway, "bridge": c.Bridge}
	if _, err := cl.Call("create_network", args, nil); err != nil {
		return err
	}
	fmt.Println(c.Name)
	return nil
}
