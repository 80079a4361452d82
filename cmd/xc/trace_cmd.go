package main

import "fmt"

// TraceCmd runs a command under truss(1) inside a container via the
// exec IPC method, for syscall-level tracing without a full attach.
// exec dispatches through the runner's control socket as a detached
// process (per spec §4.10); its output lands on the container's
// inherited stdio, not this connection, matching how run_main/exec
// already behave for any other dispatched command.
type TraceCmd struct {
	Ref  string   `arg:"" help:"container id or name"`
	Arg0 string   `arg:"" help:"command to trace"`
	Args []string `arg:"" optional:"" help:"arguments to the traced command"`
}

func (t *TraceCmd) Run(cctx *Context) error {
	cl, err := cctx.Dial()
	if err != nil {
		return err
	}
	defer cl.Close()

	args := map[string]any{
		"ref":  t.Ref,
		"arg0": "truss",
		"args": append([]string{"-f", t.Arg0}, t.Args...),
	}
	if _, err := cl.Call("exec", args, nil); err != nil {
		return err
	}
	fmt.Printf("tracing %s in %s\n", t.Arg0, t.Ref)
	return nil
}
