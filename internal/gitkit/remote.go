package gitkit

import (
	"context"
	"fmt"

	git2go "github.com/libgit2/git2go/v34"
)

// HasCommit reports whether the commit named by want already exists in the
// local object database, letting callers skip a network fetch entirely.
func (r *Repository) HasCommit(want Hash) bool {
	commit, err := r.repo.LookupCommit(want.ToOid())
	if err != nil {
		return false
	}

	commit.Free()

	return true
}

// FetchCommit fetches branch from remoteURL into the repository's local Git
// cache and returns want once it is present locally. It grounds the network
// side of the "git" repository type's commit root: the critical-op guard in
// internal/gitops serializes calls to this against concurrent writers on
// the same repository path.
func (r *Repository) FetchCommit(remoteURL, branch string, want Hash) (Hash, error) {
	remote, err := r.repo.Remotes.CreateAnonymous(remoteURL)
	if err != nil {
		return Hash{}, fmt.Errorf("create anonymous remote for %s: %w", remoteURL, err)
	}
	defer remote.Free()

	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)

	if err := remote.Fetch([]string{refspec}, nil, ""); err != nil {
		return Hash{}, fmt.Errorf("fetch %s from %s: %w", branch, remoteURL, err)
	}

	if !r.HasCommit(want) {
		return Hash{}, fmt.Errorf("commit %s not present after fetching %s from %s", want, branch, remoteURL)
	}

	return want, nil
}

// CheckoutTree returns the root tree hash of the commit identified by hash,
// for importing into a workspace root.
func (r *Repository) CheckoutTree(hash Hash) (Hash, error) {
	commit, err := r.LookupCommit(context.Background(), hash)
	if err != nil {
		return Hash{}, fmt.Errorf("lookup commit %s: %w", hash, err)
	}
	defer commit.Free()

	tree, err := commit.Tree()
	if err != nil {
		return Hash{}, fmt.Errorf("tree of commit %s: %w", hash, err)
	}
	defer tree.Free()

	return tree.Hash(), nil
}

// SubtreeHash resolves the tree object at subdir (a slash-separated path)
// below the tree named by root. The entry at that path must itself be a
// tree; a blob or missing path is an error.
func (r *Repository) SubtreeHash(root Hash, subdir string) (Hash, error) {
	tree, err := r.LookupTree(root)
	if err != nil {
		return Hash{}, err
	}
	defer tree.Free()

	entry, err := tree.EntryByPath(subdir)
	if err != nil {
		return Hash{}, fmt.Errorf("subdir %s under tree %s: %w", subdir, root, err)
	}

	if entry.Type() != git2go.ObjectTree {
		return Hash{}, fmt.Errorf("subdir %s under tree %s is not a directory", subdir, root)
	}

	return entry.Hash(), nil
}
