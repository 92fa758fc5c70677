// Package hashfacade provides a unified dispatch over the hash algorithms
// the orchestrator needs: MD5 and SHA-1/SHA-256 for verifying fetched
// archive content against configured digests, and a Git-blob-framed SHA-1
// ("GIT") for content addressing trees and blobs the same way a Git object
// database would. Replaces a virtual-dispatch hash-implementation hierarchy
// with a tagged type switch over concrete hasher states.
package hashfacade

import (
	"crypto/md5"  //nolint:gosec // required for verifying upstream-published MD5 digests
	"crypto/sha1" //nolint:gosec // GIT framing and upstream SHA-1 digests both require this
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"strconv"
)

// Type identifies which hash algorithm a Digest or Hasher was produced with.
type Type int

const (
	MD5 Type = iota
	SHA1
	SHA256
	// GIT frames input as "blob " || ascii_len || NUL || bytes before SHA-1,
	// matching how a Git object database names a blob object.
	GIT
)

// ErrIncrementalGit is returned by Finalize on a GIT-type Hasher: the git
// framing requires the full length up front, so it never supports Update.
var ErrIncrementalGit = errors.New("hashfacade: GIT type does not support incremental hashing")

// ErrUnknownType is returned when a Type value outside the known set is used.
var ErrUnknownType = errors.New("hashfacade: unknown hash type")

func (t Type) String() string {
	switch t {
	case MD5:
		return "MD5"
	case SHA1:
		return "SHA1"
	case SHA256:
		return "SHA256"
	case GIT:
		return "GIT"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// DigestLength returns the raw byte width for t, or 0 for an unknown type.
func DigestLength(t Type) int {
	switch t {
	case MD5:
		return md5.Size
	case SHA1, GIT:
		return sha1.Size
	case SHA256:
		return sha256.Size
	default:
		return 0
	}
}

// Digest is a universal hash result: the type it was produced with, plus
// its raw bytes. Equality between two digests of different types is never
// meaningful even if the byte widths coincide.
type Digest struct {
	Type  Type
	Bytes []byte
}

// HexString returns the lowercase hex encoding of the digest bytes.
func (d Digest) HexString() string {
	return fmt.Sprintf("%x", d.Bytes)
}

// OneShot computes the digest of data under the given type.
func OneShot(t Type, data []byte) (Digest, error) {
	h, err := newHasherState(t)
	if err != nil {
		return Digest{}, err
	}

	return h.finalizeOn(data)
}

// ComputeHash is the orchestrator-wide convenience hash: GIT framing,
// hex-encoded. Trees, blobs, and cache keys are all named by this one
// scheme so identities line up with what Git itself would assign.
func ComputeHash(data []byte) (string, error) {
	d, err := OneShot(GIT, data)
	if err != nil {
		return "", err
	}

	return d.HexString(), nil
}

// Hasher accumulates input incrementally and produces a Digest on Finalize.
// A GIT-type Hasher rejects Update and Finalize always fails for it — the
// blob framing needs the total length before the first byte goes into the
// underlying SHA-1 state.
type Hasher struct {
	typ      Type
	h        hash.Hash
	isGit    bool
	final    bool
	gitBytes []byte
}

// Incremental returns a fresh Hasher for t.
func Incremental(t Type) (*Hasher, error) {
	return newHasherState(t)
}

func newHasherState(t Type) (*Hasher, error) {
	switch t {
	case MD5:
		return &Hasher{typ: t, h: md5.New()}, nil //nolint:gosec
	case SHA1:
		return &Hasher{typ: t, h: sha1.New()}, nil //nolint:gosec
	case SHA256:
		return &Hasher{typ: t, h: sha256.New()}, nil
	case GIT:
		return &Hasher{typ: t, isGit: true}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
}

// Update feeds data to the hasher. Returns ErrIncrementalGit for a GIT
// hasher without mutating any state.
func (h *Hasher) Update(data []byte) error {
	if h.isGit {
		return ErrIncrementalGit
	}

	if h.final {
		return nil
	}

	h.h.Write(data)

	return nil
}

// Finalize completes the hash and returns the digest. A GIT hasher always
// returns ErrIncrementalGit; call OneShot(GIT, data) instead.
func (h *Hasher) Finalize() (Digest, error) {
	if h.isGit {
		return Digest{}, ErrIncrementalGit
	}

	h.final = true
	sum := h.h.Sum(nil)

	return Digest{Type: h.typ, Bytes: sum}, nil
}

// finalizeOn computes the one-shot digest of data, framing it first for GIT.
func (h *Hasher) finalizeOn(data []byte) (Digest, error) {
	if !h.isGit {
		h.h.Write(data)

		return h.Finalize()
	}

	header := "blob " + strconv.Itoa(len(data)) + "\x00"

	sum := sha1.Sum(append([]byte(header), data...)) //nolint:gosec

	return Digest{Type: GIT, Bytes: sum[:]}, nil
}
