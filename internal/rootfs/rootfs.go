// Package rootfs computes the clone-source/diff recipe of spec §4.8:
// given the set of chain-ids that already exist as snapshot datasets
// and the wanted chain's ordered diff-id list, find the longest
// existing prefix to clone from and the remaining layers to extract.
// Dataset operations are shelled out to the host zfs(8) binary in the
// teacher's exec.CommandContext + slog.InfoContext style (applecontainer/images.go).
package rootfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/banksean/xc/internal/digest"
)

// SourceDatasetNotFound reports that the recipe's chosen source
// snapshot is missing from the host, per spec §4.8 failure semantics.
type SourceDatasetNotFound struct {
	Dataset string
}

func (e *SourceDatasetNotFound) Error() string {
	return fmt.Sprintf("rootfs: source dataset not found: %s", e.Dataset)
}

// NoMountPoint reports that a target dataset was created but the host
// did not report a mount point for it.
type NoMountPoint struct {
	Dataset string
}

func (e *NoMountPoint) Error() string {
	return fmt.Sprintf("rootfs: dataset %s has no mount point", e.Dataset)
}

// Dataset is the host zfs primitive this package needs; a thin
// interface so tests can substitute a fake rather than touch a real pool.
type Dataset interface {
	Exists(ctx context.Context, name string) (bool, error)
	Clone(ctx context.Context, snapshot, target string) error
	Promote(ctx context.Context, dataset string) error
	Snapshot(ctx context.Context, dataset, tag string) error
	Create(ctx context.Context, dataset string) error
	SetProperty(ctx context.Context, dataset, key, value string) error
	MountPoint(ctx context.Context, dataset string) (string, error)
}

// ZFSCmd is the shelled-out zfs(8) implementation of Dataset,
// overridable via $XC_ZFS_CMD for testing against a stub binary.
type ZFSCmd struct {
	Bin string
}

func NewZFSCmd() *ZFSCmd {
	bin := os.Getenv("XC_ZFS_CMD")
	if bin == "" {
		bin = "zfs"
	}
	return &ZFSCmd{Bin: bin}
}

func (z *ZFSCmd) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, z.Bin, args...)
	slog.InfoContext(ctx, "rootfs.ZFSCmd", "cmd", strings.Join(cmd.Args, " "))
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("rootfs: %s %s: %w", z.Bin, strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (z *ZFSCmd) Exists(ctx context.Context, name string) (bool, error) {
	_, err := z.run(ctx, "list", "-H", "-o", "name", name)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (z *ZFSCmd) Clone(ctx context.Context, snapshot, target string) error {
	_, err := z.run(ctx, "clone", snapshot, target)
	return err
}

func (z *ZFSCmd) Promote(ctx context.Context, dataset string) error {
	_, err := z.run(ctx, "promote", dataset)
	return err
}

func (z *ZFSCmd) Snapshot(ctx context.Context, dataset, tag string) error {
	_, err := z.run(ctx, "snapshot", fmt.Sprintf("%s@%s", dataset, tag))
	return err
}

func (z *ZFSCmd) Create(ctx context.Context, dataset string) error {
	_, err := z.run(ctx, "create", dataset)
	return err
}

func (z *ZFSCmd) SetProperty(ctx context.Context, dataset, key, value string) error {
	_, err := z.run(ctx, "set", fmt.Sprintf("%s=%s", key, value), dataset)
	return err
}

func (z *ZFSCmd) MountPoint(ctx context.Context, dataset string) (string, error) {
	return z.run(ctx, "list", "-H", "-o", "mountpoint", dataset)
}

// Recipe is the computed plan for staging one container's rootfs.
type Recipe struct {
	Source        string          // dataset to clone from, "" if none exists
	SourceIndex   int             // index into DiffIDs of the source's last layer, -1 if none
	Target        string          // dataset name to clone into / create
	ExtractLayers []digest.Digest // diff-ids to extract on top of Source, in order
	ChainID       digest.ChainID
}

// datasetRoot names the parent dataset prefix layer chain-ids live
// under, e.g. "zroot/xc/layers/<chain-id>".
const datasetRoot = "zroot/xc/layers"

func chainDataset(c digest.ChainID) string {
	return fmt.Sprintf("%s/%s", datasetRoot, c.String())
}

// Compute implements spec §4.8's four-step procedure: fold the
// intermediate chain-ids, find the longest already-existing prefix,
// and describe the clone + extraction plan.
func Compute(ctx context.Context, ds Dataset, diffIDs []digest.Digest) (*Recipe, error) {
	if len(diffIDs) == 0 {
		return nil, fmt.Errorf("rootfs: empty diff-id list")
	}

	chains := make([]digest.ChainID, len(diffIDs))
	for i := range diffIDs {
		c, err := digest.Chain(diffIDs[:i+1])
		if err != nil {
			return nil, fmt.Errorf("rootfs: compute chain-id at index %d: %w", i, err)
		}
		chains[i] = c
	}

	sourceIndex := -1
	for i := len(chains) - 1; i >= 0; i-- {
		ok, err := ds.Exists(ctx, chainDataset(chains[i]))
		if err != nil {
			return nil, fmt.Errorf("rootfs: probe dataset for chain-id at index %d: %w", i, err)
		}
		if ok {
			sourceIndex = i
			break
		}
	}

	target := chainDataset(chains[len(chains)-1])
	recipe := &Recipe{
		Target:      target,
		SourceIndex: sourceIndex,
		ChainID:     chains[len(chains)-1],
	}

	if sourceIndex >= 0 {
		source := chainDataset(chains[sourceIndex])
		ok, err := ds.Exists(ctx, source)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &SourceDatasetNotFound{Dataset: source}
		}
		recipe.Source = source
		recipe.ExtractLayers = append([]digest.Digest{}, diffIDs[sourceIndex+1:]...)
	} else {
		recipe.ExtractLayers = append([]digest.Digest{}, diffIDs...)
	}

	return recipe, nil
}

// Stage executes the recipe against the host dataset: clone-and-promote
// (or create empty) the target, the caller extracts ExtractLayers into
// its mount point between Stage and Finalize, then Finalize sets the
// chain_id/layers properties and snapshots @xc.
func Stage(ctx context.Context, ds Dataset, r *Recipe) (mountPoint string, err error) {
	if r.Source != "" {
		if err := ds.Clone(ctx, r.Source+"@xc", r.Target); err != nil {
			return "", fmt.Errorf("rootfs: clone %s -> %s: %w", r.Source, r.Target, err)
		}
		if err := ds.Promote(ctx, r.Target); err != nil {
			return "", fmt.Errorf("rootfs: promote %s: %w", r.Target, err)
		}
	} else {
		if err := ds.Create(ctx, r.Target); err != nil {
			return "", fmt.Errorf("rootfs: create %s: %w", r.Target, err)
		}
	}

	mp, err := ds.MountPoint(ctx, r.Target)
	if err != nil {
		return "", fmt.Errorf("rootfs: mountpoint %s: %w", r.Target, err)
	}
	if mp == "" || mp == "-" || mp == "none" {
		return "", &NoMountPoint{Dataset: r.Target}
	}
	return mp, nil
}

// Finalize sets the chain_id/layers custom properties on the target
// and snapshots it @xc, per spec §4.8 step 4.
func Finalize(ctx context.Context, ds Dataset, r *Recipe, diffIDs []digest.Digest) error {
	layerList := make([]string, len(diffIDs))
	for i, d := range diffIDs {
		layerList[i] = d.String()
	}
	if err := ds.SetProperty(ctx, r.Target, "xc:chain_id", r.ChainID.String()); err != nil {
		return fmt.Errorf("rootfs: set chain_id property: %w", err)
	}
	if err := ds.SetProperty(ctx, r.Target, "xc:layers", strings.Join(layerList, ",")); err != nil {
		return fmt.Errorf("rootfs: set layers property: %w", err)
	}
	if err := ds.Snapshot(ctx, r.Target, "xc"); err != nil {
		return fmt.Errorf("rootfs: snapshot %s@xc: %w", r.Target, err)
	}
	return nil
}
