package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/mrsetup/internal/storage"
)

func TestGitCache_PathFor_CreatesShardDir(t *testing.T) {
	t.Parallel()

	gc, err := storage.NewGitCache(t.TempDir())
	require.NoError(t, err)

	path, pathErr := gc.PathFor("abcdef0123456789")
	require.NoError(t, pathErr)
	assert.Contains(t, path, "ab")
	assert.False(t, gc.Exists("abcdef0123456789"))
}
