package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// GitCache owns the Git cache root directory. The root maps are handed
// Root() and keep one bare repository per repository name directly under
// it, unsharded; PathFor gives a separate per-key layout, sharded by the
// key's first two characters, that the root maps do not use.
type GitCache struct {
	root string
}

// NewGitCache opens (creating if necessary) a Git cache rooted at root.
func NewGitCache(root string) (*GitCache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create git cache root %s: %w", root, err)
	}

	return &GitCache{root: root}, nil
}

// Root returns the Git cache root directory.
func (g *GitCache) Root() string { return g.root }

// PathFor returns the bare-repository directory a given cache key
// (typically a tree or content hash) should live under, creating its
// parent shard directory if needed.
func (g *GitCache) PathFor(key string) (string, error) {
	shard := key

	if len(shard) > shardWidth {
		shard = shard[:shardWidth]
	}

	dir := filepath.Join(g.root, shard)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create git cache shard %s: %w", dir, err)
	}

	return filepath.Join(dir, key), nil
}

// Exists reports whether the cache directory for key has already been
// materialized.
func (g *GitCache) Exists(key string) bool {
	path, err := g.PathFor(key)
	if err != nil {
		return false
	}

	_, statErr := os.Stat(path)

	return statErr == nil
}
