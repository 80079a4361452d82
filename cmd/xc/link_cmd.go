package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// LinkCmd links this connection's lifetime to a container: xcd kills
// the container when the linking connection closes, so running
// `xc link` in the foreground and Ctrl-C'ing it tears the container
// down, per spec §6's link IPC method.
type LinkCmd struct {
	Ref string `arg:"" help:"container id or name"`
}

func (l *LinkCmd) Run(cctx *Context) error {
	cl, err := cctx.Dial()
	if err != nil {
		return err
	}
	defer cl.Close()

	if _, err := cl.Call("link", map[string]string{"ref": l.Ref}, nil); err != nil {
		return err
	}

	fmt.Printf("linked to %s; press Ctrl-C to destroy it\n", l.Ref)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}
