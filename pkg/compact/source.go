// Package compact implements the write iterator: the K-way merge that drives both memtable flush and disk
// run compaction. It folds the version history of every key across its input sources down to whatever a
// given output level is allowed to keep, applying the same four rules a flush or compaction pass needs:
// collapse to the most recent visible version, fold UPSERT deltas against their base, drop DELETE/UPSERT
// noise once it can no longer be observed, and skip secondary-index entries that didn't touch an indexed
// column.
package compact

import "github.com/vinyldb/vinyl/pkg/storage"

// Source is one input stream of statements, already in the iterator's merge order (key ascending, then
// version descending within a key). storage.MemTable.Source and storage.SSTable.Source both produce values
// satisfying this interface; the iterator only ever sees it through the interface, so it doesn't care
// whether a source is memory- or disk-backed.
type Source interface {
	// Head returns the statement the source is currently positioned at, or false if exhausted.
	Head() (storage.Statement, bool)
	// Advance moves to the next statement and returns it, or false if the source is now exhausted.
	Advance() (storage.Statement, bool, error)
	// Refable reports whether a Head value remains valid after the source has advanced past it. Mem
	// sources are always refable; run sources are not - their head aliases a reused decode buffer.
	Refable() bool
	Close() error
}
