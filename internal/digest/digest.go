// Package digest implements content digests and chain-id derivation
// for image layers (spec §3, §4.1, §8).
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	godigest "github.com/opencontainers/go-digest"
)

// Algorithm is a whitelisted digest algorithm tag.
type Algorithm string

const SHA256 Algorithm = "sha256"

var validAlgorithms = map[Algorithm]int{
	SHA256: sha256.Size * 2, // hex length
}

// Digest is an algorithm tag plus hex body, e.g. "sha256:abcd...".
type Digest struct {
	Algo Algorithm
	Hex  string
}

// ChainID names a filesystem state derived from a sequence of diff-ids.
type ChainID Digest

// ErrMalformed is returned when a digest string fails to parse.
type ErrMalformed struct {
	Input  string
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("malformed digest %q: %s", e.Input, e.Reason)
}

// Parse splits "algo:hex" and validates both the algorithm whitelist and
// hex length for that algorithm.
func Parse(s string) (Digest, error) {
	algo, hex, ok := strings.Cut(s, ":")
	if !ok {
		return Digest{}, &ErrMalformed{Input: s, Reason: "missing ':' separator"}
	}
	d := Digest{Algo: Algorithm(algo), Hex: hex}
	if err := d.validate(); err != nil {
		return Digest{}, err
	}
	// Defer to go-digest for hex/charset validation so we stay aligned
	// with the wire format used elsewhere in the OCI ecosystem.
	if err := godigest.Digest(s).Validate(); err != nil {
		return Digest{}, &ErrMalformed{Input: s, Reason: err.Error()}
	}
	return d, nil
}

func (d Digest) validate() error {
	wantLen, ok := validAlgorithms[d.Algo]
	if !ok {
		return &ErrMalformed{Input: d.String(), Reason: fmt.Sprintf("unsupported algorithm %q", d.Algo)}
	}
	if len(d.Hex) != wantLen {
		return &ErrMalformed{Input: d.String(), Reason: fmt.Sprintf("hex length %d, want %d", len(d.Hex), wantLen)}
	}
	if _, err := hex.DecodeString(d.Hex); err != nil {
		return &ErrMalformed{Input: d.String(), Reason: "not hex"}
	}
	return nil
}

func (d Digest) String() string {
	return fmt.Sprintf("%s:%s", d.Algo, d.Hex)
}

func (d Digest) IsZero() bool {
	return d.Algo == "" && d.Hex == ""
}

// MarshalJSON renders the digest as its "algo:hex" wire form.
func (d Digest) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON parses the "algo:hex" wire form.
func (d *Digest) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return &ErrMalformed{Input: string(b), Reason: "not a JSON string"}
	}
	parsed, err := Parse(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (c ChainID) String() string {
	return Digest(c).String()
}

// Of computes the digest of an in-memory byte slice.
func Of(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest{Algo: SHA256, Hex: hex.EncodeToString(sum[:])}
}

// FromReader streams r through sha256, returning the digest and total
// bytes read. Used by blob download verification and commit hashing.
func FromReader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, fmt.Errorf("digest.FromReader: %w", err)
	}
	return Digest{Algo: SHA256, Hex: hex.EncodeToString(h.Sum(nil))}, n, nil
}

// Chain folds a sequence of diff-ids into a chain-id per the recurrence
// in spec §3: chain(l0) = l0; chain(l0..ln) = H(chain(l0..ln-1) || " " || ln).
func Chain(diffIDs []Digest) (ChainID, error) {
	if len(diffIDs) == 0 {
		return ChainID{}, fmt.Errorf("digest.Chain: empty diff-id list")
	}
	acc := diffIDs[0]
	for _, next := range diffIDs[1:] {
		h := sha256.New()
		h.Write([]byte(acc.String()))
		h.Write([]byte(" "))
		h.Write([]byte(next.String()))
		acc = Digest{Algo: SHA256, Hex: hex.EncodeToString(h.Sum(nil))}
	}
	return ChainID(acc), nil
}
