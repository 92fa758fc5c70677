package storage

import (
	"time"

	"github.com/forgeline/mrsetup/pkg/persist"
)

// opSnapshotBasename names the LZ4-compressed operation-cache snapshot file
// written under the checkpoint directory.
const opSnapshotBasename = "opcache_snapshot"

// OpRecord is the durable subset of an opcache.Operation worth spilling to
// disk for warm-restart diagnostics: just enough to report what was
// in-flight or done when the process last checkpointed, not the arbitrary
// Metadata/Result/Err payloads a live Operation carries.
type OpRecord struct {
	Name      string    `json:"name"`
	Done      bool      `json:"done"`
	Timestamp time.Time `json:"timestamp"`
}

func snapshotCodec() *persist.LZ4Codec {
	return persist.NewLZ4Codec(persist.NewJSONCodec())
}

// SpillOpCacheSnapshot writes records to dir, LZ4-compressed, for the
// operation cache's checkpoint.
func SpillOpCacheSnapshot(dir string, records []OpRecord) error {
	return persist.SaveState(dir, opSnapshotBasename, snapshotCodec(), records)
}

// LoadOpCacheSnapshot reads back a snapshot previously written by
// SpillOpCacheSnapshot.
func LoadOpCacheSnapshot(dir string) ([]OpRecord, error) {
	var records []OpRecord

	err := persist.LoadState(dir, opSnapshotBasename, snapshotCodec(), &records)

	return records, err
}
