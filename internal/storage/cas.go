// Package storage is the narrowed slice of the local content-addressed
// store and Git cache directory layout that this core reads and writes
// through.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgeline/mrsetup/internal/hashfacade"
)

// ErrDigestMismatch is returned when fetched content does not hash to the
// digest it was fetched for. Verification is bit-exact and never silently
// recovered.
var ErrDigestMismatch = errors.New("storage: content does not match expected digest")

// shardWidth is the number of leading hex characters used as a directory
// shard, keeping any one CAS directory from holding an unbounded number of
// entries.
const shardWidth = 2

// CAS is the local content-addressed object store: objects are named by
// the hex digest of their content and organized into a 2-level shard tree.
type CAS struct {
	root string
}

// NewCAS opens (creating if necessary) a CAS rooted at root.
func NewCAS(root string) (*CAS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create CAS root %s: %w", root, err)
	}

	return &CAS{root: root}, nil
}

// Root returns the CAS root directory.
func (c *CAS) Root() string { return c.root }

// Path returns the on-disk path an object with hex digest would be stored
// at, whether or not it currently exists.
func (c *CAS) Path(hex string) string {
	if len(hex) <= shardWidth {
		return filepath.Join(c.root, hex)
	}

	return filepath.Join(c.root, hex[:shardWidth], hex[shardWidth:])
}

// Has reports whether an object with hex digest is already present.
func (c *CAS) Has(hex string) bool {
	_, err := os.Stat(c.Path(hex))

	return err == nil
}

// Read returns the raw bytes stored under hex.
func (c *CAS) Read(hex string) ([]byte, error) {
	data, err := os.ReadFile(c.Path(hex))
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", hex, err)
	}

	return data, nil
}

// Put stores data under the GIT content-hash scheme and returns the digest
// it was stored under. A duplicate Put of identical content is a no-op past
// the existence check — CAS writes are idempotent.
func (c *CAS) Put(data []byte) (string, error) {
	digest, err := hashfacade.ComputeHash(data)
	if err != nil {
		return "", fmt.Errorf("storage: hash content: %w", err)
	}

	return digest, c.writeAt(digest, data)
}

// PutVerified stores data only if it hashes to expectedHex under scheme. A
// mismatch returns ErrDigestMismatch and nothing is written — partial or
// incorrect downloads never land in the CAS.
func (c *CAS) PutVerified(data []byte, scheme hashfacade.Type, expectedHex string) error {
	digest, err := hashfacade.OneShot(scheme, data)
	if err != nil {
		return fmt.Errorf("storage: hash content: %w", err)
	}

	if digest.HexString() != expectedHex {
		return fmt.Errorf("%w: got %s want %s", ErrDigestMismatch, digest.HexString(), expectedHex)
	}

	return c.writeAt(expectedHex, data)
}

// writeAt writes data to a temp file beside the final path, then renames it
// into place — content is only ever visible under its final name once fully
// written and verified.
func (c *CAS) writeAt(hex string, data []byte) error {
	if c.Has(hex) {
		return nil
	}

	dst := c.Path(hex)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("storage: create shard dir for %s: %w", hex, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp file for %s: %w", hex, err)
	}

	tmpPath := tmp.Name()

	if _, writeErr := tmp.Write(data); writeErr != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("storage: write temp file for %s: %w", hex, writeErr)
	}

	if closeErr := tmp.Close(); closeErr != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("storage: close temp file for %s: %w", hex, closeErr)
	}

	if renameErr := os.Rename(tmpPath, dst); renameErr != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("storage: rename into place for %s: %w", hex, renameErr)
	}

	return nil
}
