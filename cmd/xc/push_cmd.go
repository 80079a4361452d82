package main

import "fmt"

// PushCmd pushes a locally tagged image to a registry, per spec §6's
// push_image.
type PushCmd struct {
	Name string `arg:"" help:"local image name"`
	Tag  string `arg:"" help:"local image tag"`
	Host string `arg:"" help:"destination registry host"`
}

func (p *PushCmd) Run(cctx *Context) error {
	cl, err := cctx.Dial()
	if err != nil {
		return err
	}
	defer cl.Close()

	var result struct {
		Digest string `json:"digest"`
	}
	args := map[string]string{"name": p.Name, "tag": p.Tag, "host": p.Host}
	if _, err := cl.Call("push_image", args, &result); err != nil {
		return err
	}
	fmt.Println(result.Digest)
	return nil
}
