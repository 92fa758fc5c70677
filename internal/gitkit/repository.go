package gitkit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	git2go "github.com/libgit2/git2go/v34"
)

// ErrNotADirectory is returned when a tree import target is not a directory.
var ErrNotADirectory = errors.New("gitkit: import path is not a directory")

// Repository wraps a libgit2 repository.
type Repository struct {
	repo *git2go.Repository
	path string
}

// OpenRepository opens a git repository at the given path.
func OpenRepository(path string) (*Repository, error) {
	repo, err := git2go.OpenRepository(path)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	return &Repository{repo: repo, path: path}, nil
}

// Path returns the repository path.
func (r *Repository) Path() string {
	return r.path
}

// Free releases the repository resources.
func (r *Repository) Free() {
	if r.repo != nil {
		r.repo.Free()
		r.repo = nil
	}
}

// Head returns the HEAD reference target.
func (r *Repository) Head() (Hash, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return Hash{}, fmt.Errorf("get HEAD: %w", err)
	}
	defer ref.Free()

	return HashFromOid(ref.Target()), nil
}

// LookupCommit returns the commit with the given hash.
func (r *Repository) LookupCommit(_ context.Context, hash Hash) (*Commit, error) {
	commit, err := r.repo.LookupCommit(hash.ToOid())
	if err != nil {
		return nil, fmt.Errorf("lookup commit: %w", err)
	}

	return &Commit{commit: commit, repo: r}, nil
}

// LookupBlob returns the blob with the given hash.
func (r *Repository) LookupBlob(_ context.Context, hash Hash) (*Blob, error) {
	blob, err := r.repo.LookupBlob(hash.ToOid())
	if err != nil {
		return nil, fmt.Errorf("lookup blob: %w", err)
	}

	return &Blob{blob: blob}, nil
}

// LookupTree returns the tree with the given hash.
func (r *Repository) LookupTree(hash Hash) (*Tree, error) {
	tree, err := r.repo.LookupTree(hash.ToOid())
	if err != nil {
		return nil, fmt.Errorf("lookup tree: %w", err)
	}

	return &Tree{tree: tree, repo: r}, nil
}

// EnsureInit opens the repository at path if it exists, or creates a new
// bare repository there otherwise. It is the Go-side analogue of the
// ENSURE_INIT critical Git operation: idempotent, and safe to call
// concurrently only when serialized by a caller such as the critical-op
// guard in internal/gitops.
func EnsureInit(path string, bare bool) (*Repository, error) {
	repo, err := git2go.OpenRepository(path)
	if err == nil {
		return &Repository{repo: repo, path: path}, nil
	}

	repo, err = git2go.InitRepository(path, bare)
	if err != nil {
		return nil, fmt.Errorf("init repository at %s: %w", path, err)
	}

	return &Repository{repo: repo, path: path}, nil
}

// ImportTree walks dir and writes its contents as a single Git tree object,
// recursing into subdirectories. Symlinks are stored as symlink blobs
// (mode 0120000) rather than followed, so the resulting tree id depends
// only on the subtree's own contents.
func (r *Repository) ImportTree(dir string) (Hash, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Hash{}, fmt.Errorf("stat %s: %w", dir, err)
	}

	if !info.IsDir() {
		return Hash{}, ErrNotADirectory
	}

	return r.importDir(dir)
}

func (r *Repository) importDir(dir string) (Hash, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Hash{}, fmt.Errorf("read dir %s: %w", dir, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	builder, err := r.repo.TreeBuilder()
	if err != nil {
		return Hash{}, fmt.Errorf("new tree builder: %w", err)
	}
	defer builder.Free()

	for _, entry := range entries {
		childPath := filepath.Join(dir, entry.Name())

		switch {
		case entry.Type()&os.ModeSymlink != 0:
			target, linkErr := os.Readlink(childPath)
			if linkErr != nil {
				return Hash{}, fmt.Errorf("readlink %s: %w", childPath, linkErr)
			}

			blobHash, blobErr := r.CreateBlob([]byte(target))
			if blobErr != nil {
				return Hash{}, fmt.Errorf("create symlink blob %s: %w", childPath, blobErr)
			}

			if insErr := builder.Insert(entry.Name(), blobHash.ToOid(), git2go.FilemodeLink); insErr != nil {
				return Hash{}, fmt.Errorf("insert symlink %s: %w", childPath, insErr)
			}
		case entry.IsDir():
			subHash, subErr := r.importDir(childPath)
			if subErr != nil {
				return Hash{}, subErr
			}

			if insErr := builder.Insert(entry.Name(), subHash.ToOid(), git2go.FilemodeTree); insErr != nil {
				return Hash{}, fmt.Errorf("insert subtree %s: %w", childPath, insErr)
			}
		default:
			data, readErr := os.ReadFile(childPath)
			if readErr != nil {
				return Hash{}, fmt.Errorf("read file %s: %w", childPath, readErr)
			}

			blobHash, blobErr := r.CreateBlob(data)
			if blobErr != nil {
				return Hash{}, fmt.Errorf("create blob %s: %w", childPath, blobErr)
			}

			mode := git2go.FilemodeBlob
			if fi, statErr := entry.Info(); statErr == nil && fi.Mode()&0o111 != 0 {
				mode = git2go.FilemodeBlobExecutable
			}

			if insErr := builder.Insert(entry.Name(), blobHash.ToOid(), mode); insErr != nil {
				return Hash{}, fmt.Errorf("insert blob %s: %w", childPath, insErr)
			}
		}
	}

	oid, err := builder.Write()
	if err != nil {
		return Hash{}, fmt.Errorf("write tree for %s: %w", dir, err)
	}

	return HashFromOid(oid), nil
}

// InitialCommit creates a root commit (no parents) pointing at treeHash and
// advances refname to it. It grounds the INITIAL_COMMIT critical Git
// operation: called once per repository path under the critical-op guard's
// serialization, it is safe to call again afterward only if refname does
// not already exist.
func (r *Repository) InitialCommit(refname string, treeHash Hash, sig Signature, message string) (Hash, error) {
	tree, err := r.LookupTree(treeHash)
	if err != nil {
		return Hash{}, err
	}
	defer tree.Free()

	author := &git2go.Signature{Name: sig.Name, Email: sig.Email, When: sig.When}

	oid, err := r.repo.CreateCommit(refname, author, author, message, tree.Native())
	if err != nil {
		return Hash{}, fmt.Errorf("create initial commit: %w", err)
	}

	return HashFromOid(oid), nil
}

// KeepTag anchors commitHash against garbage collection under
// refs/keep/<hash>, mirroring the keep-tag namespace used by the critical
// Git-operation KEEP_TAG.
func (r *Repository) KeepTag(commitHash Hash) error {
	name := "refs/keep/" + commitHash.String()

	_, err := r.repo.References.Lookup(name)
	if err == nil {
		return nil
	}

	_, err = r.repo.References.Create(name, commitHash.ToOid(), false, "keep")
	if err != nil {
		return fmt.Errorf("create keep tag %s: %w", name, err)
	}

	return nil
}

// GetHeadID resolves HEAD to a commit hash, grounding the GET_HEAD_ID
// critical Git operation.
func (r *Repository) GetHeadID() (Hash, error) {
	return r.Head()
}

// GetBranchRefname resolves the fully qualified refname for a local branch,
// grounding the GET_BRANCH_REFNAME critical Git operation.
func (r *Repository) GetBranchRefname(branch string) (string, error) {
	ref, err := r.repo.References.Lookup("refs/heads/" + branch)
	if err != nil {
		return "", fmt.Errorf("lookup branch %s: %w", branch, err)
	}
	defer ref.Free()

	return ref.Name(), nil
}

// Native returns the underlying libgit2 repository for advanced operations.
func (r *Repository) Native() *git2go.Repository {
	return r.repo
}
