package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/mrsetup/internal/storage"
)

func TestSpillAndLoadOpCacheSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	records := []storage.OpRecord{
		{Name: "op-1", Done: true, Timestamp: time.Unix(1700000000, 0).UTC()},
		{Name: "op-2", Done: false, Timestamp: time.Unix(1700000100, 0).UTC()},
	}

	require.NoError(t, storage.SpillOpCacheSnapshot(dir, records))

	loaded, err := storage.LoadOpCacheSnapshot(dir)
	require.NoError(t, err)
	assert.Equal(t, records, loaded)
}
