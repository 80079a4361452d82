package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// AttachCmd attaches the calling terminal to a container's main
// channel via create_channel's fd hand-off, putting the local
// terminal into raw mode for the duration the way the teacher's
// ContainerSvc.Exec does for its pty path. create_channel's fd
// hand-off is not yet implemented server-side (see DESIGN.md); this
// command is wired end-to-end so it starts working the moment it is.
type AttachCmd struct {
	Ref string `arg:"" help:"container id or name"`
}

func (a *AttachCmd) Run(cctx *Context) error {
	cl, err := cctx.Dial()
	if err != nil {
		return err
	}
	defer cl.Close()

	fds, err := cl.Call("create_channel", map[string]string{"ref": a.Ref}, nil)
	if err != nil {
		return err
	}
	if len(fds) == 0 {
		return fmt.Errorf("xc: attach: daemon returned no channel fd")
	}
	channel := os.NewFile(uintptr(fds[0]), "xc-attach")
	defer channel.Close()

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		prev, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("xc: attach: raw mode: %w", err)
		}
		defer term.Restore(stdinFd, prev)
	}

	done := make(chan struct{}, 2)
	go func() { io.Copy(channel, os.Stdin); done <- struct{}{} }()
	go func() { io.Copy(os.Stdout, channel); done <- struct{}{} }()
	<-done
	return nil
}
