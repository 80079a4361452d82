package main

import "fmt"

// CommitCmd snapshots a running container's dataset into a new tagged
// image, per spec §6's commit.
type CommitCmd struct {
	ContainerID string `arg:"" help:"container id or name"`
	Name        string `arg:"" help:"image name for the new snapshot"`
	Tag         string `arg:"" help:"image tag for the new snapshot"`
}

func (c *CommitCmd) Run(cctx *Context) error {
	cl, err := cctx.Dial()
	if err != nil {
		return err
	}
	defer cl.Close()

	var result struct {
		Digest string `json:"digest"`
	}
	args := map[string]string{"container_id": c.ContainerID, "name": c.Name, "tag": c.Tag}
	if _, err := cl.Call("commit", args, &result); err != nil {
		return err
	}
	fmt.Println(result.Digest)
	return nil
}
