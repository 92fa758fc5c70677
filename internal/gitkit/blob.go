package gitkit

import (
	"fmt"

	git2go "github.com/libgit2/git2go/v34"
)

// Blob wraps a libgit2 blob. It exposes just enough surface for content
// addressing: reading raw bytes back out of the object database to verify
// against an expected digest.
type Blob struct {
	blob *git2go.Blob
}

// Hash returns the blob's object hash.
func (b *Blob) Hash() Hash {
	return HashFromOid(b.blob.Id())
}

// Size returns the blob's content length in bytes.
func (b *Blob) Size() int64 {
	return b.blob.Size()
}

// Contents returns the blob's raw content. The returned slice is owned by
// libgit2 and must not be retained past Free.
func (b *Blob) Contents() []byte {
	return b.blob.Contents()
}

// Free releases the blob resources.
func (b *Blob) Free() {
	if b.blob != nil {
		b.blob.Free()
		b.blob = nil
	}
}

// Native returns the underlying libgit2 blob.
func (b *Blob) Native() *git2go.Blob {
	return b.blob
}

// CreateBlob writes data as a new blob object and returns its hash.
func (r *Repository) CreateBlob(data []byte) (Hash, error) {
	oid, err := r.repo.CreateBlobFromBuffer(data)
	if err != nil {
		return Hash{}, fmt.Errorf("create blob: %w", err)
	}

	return HashFromOid(oid), nil
}
