package ociimage

import (
	"github.com/banksean/xc/internal/digest"
)

// EnvSpec describes one required or defaulted environment variable
// for an exec spec.
type EnvSpec struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
}

// ExecSpec is one init/main/deinit process, with interpolable
// arguments and a list of environment variables it requires.
type ExecSpec struct {
	Arg0         string    `json:"arg0"`
	Args         []string  `json:"args,omitempty"`
	Envs         []EnvSpec `json:"envs,omitempty"`
	WorkDir      string    `json:"workdir,omitempty"`
	RequiredEnvs []string  `json:"required_envs,omitempty"`
}

// MountSpec describes a mount point the image requires or permits.
type MountSpec struct {
	Destination string `json:"destination"`
	ReadOnly    bool   `json:"read_only"`
	Required    bool   `json:"required"`
}

// JailImage is the schema-versioned manifest record of spec §3: an
// ordered diff-id list, an OS/arch tag, and structured configuration.
type JailImage struct {
	SchemaVersion int             `json:"schema_version"`
	Architecture  string          `json:"architecture"`
	OS            string          `json:"os"`
	Layers        []digest.Digest `json:"layers"` // ordered diff-ids

	Envs     []EnvSpec   `json:"envs,omitempty"`
	Init     []ExecSpec  `json:"init,omitempty"`
	Main     *ExecSpec   `json:"main,omitempty"`
	Deinit   []ExecSpec  `json:"deinit,omitempty"`
	Mounts   []MountSpec `json:"mounts,omitempty"`
	Devfs    []string    `json:"devfs,omitempty"` // devfs rule templates
	Allow    []string    `json:"allow,omitempty"`
	Specials []string    `json:"special_mounts,omitempty"`
}

// ChainID is a pure function of the image's diff-id list (spec §3
// invariant).
func (m *JailImage) ChainID() (digest.ChainID, error) {
	return digest.Chain(m.Layers)
}
