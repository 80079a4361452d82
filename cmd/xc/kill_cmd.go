package main

import "fmt"

// KillCmd tears a container down (pf anchor removed, mounts unwound,
// jail destroyed), per spec §6's kill_container.
type KillCmd struct {
	Ref string `arg:"" help:"container id or name"`
}

func (k *KillCmd) Run(cctx *Context) error {
	cl, err := cctx.Dial()
	if err != nil {
		return err
	}
	defer cl.Close()

	if _, err := cl.Call("kill_container", map[string]string{"ref": k.Ref}, nil); err != nil {
		return err
	}
	fmt.Println(k.Ref)
	return nil
}
