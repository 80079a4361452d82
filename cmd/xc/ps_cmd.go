package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
)

// PsCmd lists containers, following ls_cmd.go's tabwriter table idiom.
type PsCmd struct{}

// runnerState mirrors internal/runner.State's JSON shape, just enough
// of it to render a status column without importing internal/runner
// into the client binary.
type runnerState struct {
	Phase     string
	Destroyed bool
}

type containerSummary struct {
	ID      string
	Name    string
	Image   string
	Dataset string
	JailID  string
	State   runnerState
}

func (c *PsCmd) Run(cctx *Context) error {
	cl, err := cctx.Dial()
	if err != nil {
		return err
	}
	defer cl.Close()

	var containers []containerSummary
	if _, err := cl.Call("list_containers", nil, &containers); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tIMAGE\tJAIL ID\tPHASE\t")
	for _, cs := range containers {
		phase := cs.State.Phase
		switch {
		case cs.State.Destroyed:
			phase = color.RedString("destroyed")
		case phase == "main":
			phase = color.GreenString(phase)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t\n", cs.ID, cs.Name, cs.Image, cs.JailID, phase)
	}
	return w.Flush()
}
