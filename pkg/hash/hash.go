// Package hash exposes the orchestrator's hash digest as a stable,
// JSON-serializable value type for callers outside internal/ — cmd/mrsetup's
// `hash` command goes through here rather than reaching into
// internal/hashfacade directly. Keeping the wire type here (instead of in
// internal/hashfacade) lets the CLI depend on it without pulling in the
// hashing implementation.
package hash

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/forgeline/mrsetup/internal/hashfacade"
)

// Type mirrors hashfacade.Type so callers outside internal/ never need to
// import the implementation package just to name a digest's algorithm.
type Type = hashfacade.Type

const (
	MD5    = hashfacade.MD5
	SHA1   = hashfacade.SHA1
	SHA256 = hashfacade.SHA256
	GIT    = hashfacade.GIT
)

// Digest is {type ∈ {MD5, SHA1, SHA256, GIT}, bytes}, the wire form of a
// hash facade digest. bytes.length always equals DigestLength(type) for a
// digest produced by this package's constructors; JSON transport hex-encodes
// the bytes.
type Digest struct {
	Type  Type
	Bytes []byte
}

// digestJSON is Digest's wire shape: {"type":"GIT","hex":"30d74d..."}.
type digestJSON struct {
	Type string `json:"type"`
	Hex  string `json:"hex"`
}

// FromFacade converts an internal/hashfacade.Digest to the exported type.
func FromFacade(d hashfacade.Digest) Digest {
	return Digest{Type: d.Type, Bytes: d.Bytes}
}

// OneShot computes the digest of data under the given algorithm.
func OneShot(t Type, data []byte) (Digest, error) {
	d, err := hashfacade.OneShot(t, data)
	if err != nil {
		return Digest{}, err
	}

	return FromFacade(d), nil
}

// ComputeGitHash is the tree-hash scheme used for content_hash: git-SHA1
// framing, hex-encoded.
func ComputeGitHash(data []byte) (string, error) {
	return hashfacade.ComputeHash(data)
}

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.Bytes)
}

// Equal reports whether two digests have the same type and bytes.
// ArchiveContent equality is by content_hash alone, but a raw Digest
// compares on both fields — callers comparing only hex digests of a fixed
// scheme should compare Hex() strings directly instead.
func (d Digest) Equal(other Digest) bool {
	if d.Type != other.Type || len(d.Bytes) != len(other.Bytes) {
		return false
	}

	for i := range d.Bytes {
		if d.Bytes[i] != other.Bytes[i] {
			return false
		}
	}

	return true
}

// MarshalJSON implements json.Marshaler.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(digestJSON{Type: d.Type.String(), Hex: d.Hex()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var wire digestJSON

	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("hash: unmarshal digest: %w", err)
	}

	typ, err := parseType(wire.Type)
	if err != nil {
		return err
	}

	raw, err := hex.DecodeString(wire.Hex)
	if err != nil {
		return fmt.Errorf("hash: decode hex %q: %w", wire.Hex, err)
	}

	d.Type = typ
	d.Bytes = raw

	return nil
}

func parseType(s string) (Type, error) {
	switch s {
	case "MD5":
		return MD5, nil
	case "SHA1":
		return SHA1, nil
	case "SHA256":
		return SHA256, nil
	case "GIT":
		return GIT, nil
	default:
		return 0, fmt.Errorf("%w: %q", hashfacade.ErrUnknownType, s)
	}
}
