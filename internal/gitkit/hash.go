// Package gitkit provides a thin libgit2-backed primitive layer: opening and
// initializing repositories, looking up and creating objects, and importing
// directory trees. Higher-level serialization (the critical Git-operation
// guard) and content addressing live in internal/gitops and
// internal/hashfacade.
package gitkit

import (
	"encoding/hex"
	"fmt"

	git2go "github.com/libgit2/git2go/v34"
)

// oidSize is the raw width of a Git object id (SHA-1).
const oidSize = 20

// Hash is a Git object id in raw form, the native width libgit2 works in.
// Content addressing elsewhere in the orchestrator flows through
// hashfacade.Digest; a Hash is the value such a digest becomes once it
// names an actual object (blob, tree, commit) inside a repository.
type Hash [oidSize]byte

// ZeroHash returns the all-zero object id.
func ZeroHash() Hash {
	return Hash{}
}

// ParseHash decodes a 40-character hex object id. Anything else — wrong
// length, non-hex characters — is an error, since ids reaching this
// boundary come from user configuration and must not be silently mangled.
func ParseHash(s string) (Hash, error) {
	var h Hash

	if hex.DecodedLen(len(s)) != oidSize {
		return Hash{}, fmt.Errorf("gitkit: object id %q: want %d hex characters", s, oidSize*2)
	}

	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("gitkit: object id %q: %w", s, err)
	}

	return h, nil
}

// NewHash is ParseHash for input already known to be a valid id (values
// read back from the object database, test vectors). Invalid input yields
// the zero hash, which no real object ever has.
func NewHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		return Hash{}
	}

	return h
}

// HashFromOid converts a libgit2 Oid to a Hash.
func HashFromOid(oid *git2go.Oid) Hash {
	var h Hash
	copy(h[:], oid[:])

	return h
}

// ToOid converts a Hash back to a libgit2 Oid.
func (h Hash) ToOid() *git2go.Oid {
	oid := new(git2go.Oid)
	copy(oid[:], h[:])

	return oid
}

// String returns the 40-character lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero id.
func (h Hash) IsZero() bool {
	return h == Hash{}
}
