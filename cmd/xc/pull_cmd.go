package main

import "fmt"

// PullCmd pulls an image from a registry, per spec §6's pull_image.
type PullCmd struct {
	Reference string `arg:"" help:"registry reference, e.g. registry.example.com/repo:tag"`
}

func (p *PullCmd) Run(cctx *Context) error {
	cl, err := cctx.Dial()
	if err != nil {
		return err
	}
	defer cl.Close()

	var result struct {
		Digest string `json:"digest"`
	}
	if _, err := cl.Call("pull_image", map[string]string{"reference": p.Reference}, &result); err != nil {
		return err
	}
	fmt.Println(result.Digest)
	return nil
}
