// Package lsm assembles the storage and compact packages into a working log-structured merge tree: one
// memtable for the newest writes, a chain of immutable on-disk SSTable runs, and the write iterator (package
// compact) driving both memtable flush and run compaction. New data is first written to an in-memory table
// (memtable) and then flushed to disk as a sorted string table (SSTable). When the memtable is full, it is
// flushed to disk and a new memtable is created. The runs form a single chain rather than size-tiered
// levels, and nothing merges them in the background: runs are merged only when Compact is called.
package lsm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/vinyldb/vinyl/pkg/compact"
	"github.com/vinyldb/vinyl/pkg/storage"
	"github.com/vinyldb/vinyl/pkg/utils"
)

// LSMTree represents a log-structured merge tree (LSM tree) for a specific Kiwi table (Redis db).
type LSMTree struct { // Implements storage.KeyValueHolder.
	table           int64             // The Kiwi table ID (Redis db number).
	dir             string            // Path where tables files are stored; ends with table.
	mux             sync.RWMutex      // Protects against race conditions.
	clock           *atomic.Uint64    // Shared across successive memtable generations; versions stay increasing.
	memTable        *storage.MemTable // Lookups are started from the memtable, and then disk tables.
	latestDiskTable *storage.SSTable  // Disk lookups are started from the latest disk table.
	diskTables      map[ /*partId*/ int64]*storage.SSTable
}

var _ storage.KeyValueHolder = (*LSMTree)(nil)

// NewLSMTree is the constructor for LSMTree.
// The given `dataDir` path would be used to store the entire table parts, i.e. the .sst files.
// Each LSM Tree would have its own subdirectory under `dataDir`, named as the table ID.
// For example, if `dataDir` is "/data/kiwi" and the table ID is 1, then the LSM tree would use `/data/kiwi/1`.
func NewLSMTree(dataDir string, table int64) (*LSMTree, error) {
	if table <= 0 {
		return nil, fmt.Errorf("expected positivive table id got %d", table)
	}

	// Make sure directory exists.
	dir := filepath.Join(dataDir, fmt.Sprint(table))
	if dirInfo, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create lsm tree directory %s: %v", dir, err)
			}
		} else {
			return nil, fmt.Errorf("failed to stat lsm tree directory %s: %v", dir, err)
		}
	} else if !dirInfo.IsDir() {
		return nil, fmt.Errorf("lsm tree path %s is not a directory", dir)
	}

	// Scan for existing .sst files inside the directory.
	diskTables := make(map[ /*partId*/ int64]*storage.SSTable)
	prevPartIds := make(map[int64]struct{}) // To find the latest part.
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() { // Skip dirs.
			return nil
		}
		if filepath.Ext(path) != ".sst" { // Skip non-sst files.
			return nil
		}
		sst, err := storage.NewSSTable(path)
		if err != nil {
			return err
		}
		diskTables[sst.Id()] = sst
		prevPartIds[sst.PrevPart()] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan lsm tree directory %s: %v", dir, err)
	}

	// All SSTables would be the previous part of some other part, except the latest one.
	var latestDiskTable *storage.SSTable
	for part := range diskTables {
		if _, hasPrevPart := prevPartIds[part]; !hasPrevPart {
			if latestDiskTable != nil {
				tail := latestDiskTable.Id()
				utils.RaiseInvariant("lsm", "multi_tail_lsm", "Multiple latest parts found in lsm tree directory.",
					"dir", dir, "partOne", tail, "partTwo", part)
				return nil, fmt.Errorf("multiple tails found in lsm tree directory %s: (%d,%d)", dir, tail, part)
			}
			latestDiskTable = diskTables[part]
		}
	}
	if latestDiskTable == nil && len(diskTables) > 0 {
		// This should never happen, unless the .sst files are corrupted or manually tampered with.
		utils.RaiseInvariant("lsm", "no_tail_lsm", "No latest part found in lsm tree directory.", "dir", dir)
		return nil, fmt.Errorf("no tail found in lsm tree directory %s", dir)
	}

	clock := new(atomic.Uint64)
	lsm := &LSMTree{
		table:           table,
		clock:           clock,
		memTable:        storage.NewMemTableWithClock(clock),
		latestDiskTable: latestDiskTable,
		diskTables:      diskTables,
		dir:             dir,
	}
	// Close SSTable file descriptors when the LSM tree is garbage collected.
	runtime.SetFinalizer(lsm, func(lsm *LSMTree) { _ = lsm.Close() })

	return lsm, nil
}

// lookupDiskTables finds the value of the given key. NOTE: Caller should acquire lock.
func (l *LSMTree) lookupDiskTables(key []byte) ([]byte, error) {
	// Before any memtable is flushed, there are no disk tables, hence we'd short circuit here.
	if l.latestDiskTable == nil {
		return nil, storage.ErrKeyNotFound
	}

	// Since the latest parts contain the most recent values, we'll start our lookup from there.
	for partId := l.latestDiskTable.Id(); partId > 0; {
		sst, exists := l.diskTables[partId]
		if !exists || sst == nil {
			utils.RaiseInvariant("lsm", "missing_part", "Missing part in LSM tree.", "table", l.table, "part", partId)
			return nil, fmt.Errorf("missing part %d in lsm tree for table %d", partId, l.table)
		}
		val, err := sst.Get(key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			partId = sst.PrevPart()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lookupDiskTables key from sstable %d: %v", partId, err)
		}
		// Runs store gob-encoded statements; a DELETE hides every older value of the key.
		stmt, err := storage.DecodeStatementPayload(key, val)
		if err != nil {
			return nil, fmt.Errorf("failed to decode statement from sstable %d: %v", partId, err)
		}
		if stmt.Type == storage.Delete {
			return nil, storage.ErrKeyNotFound
		}
		return stmt.Value, nil
	}

	return nil, storage.ErrKeyNotFound
}

func (l *LSMTree) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("expected a non-empty key")
	}
	l.mux.RLock()
	defer l.mux.RUnlock()
	// First check the memtable.
	if val, exists := l.memTable.Get(key); exists {
		return val, nil
	}
	// If not found in memory, we'll look it up from disk.
	return l.lookupDiskTables(key)
}

// Scan returns every live key currently visible in the tree, resolved to a single final value per key by
// running the same write iterator a compaction would, merging the memtable against every disk run with
// IsLastLevel set so DELETE tombstones and any still-deferred UPSERT are fully resolved instead of carried
// forward. It's a point-in-time snapshot, not a live cursor: callers that need Redis SCAN's incremental
// cursor semantics page through the returned slice themselves.
func (l *LSMTree) Scan() ([]storage.Statement, error) {
	l.mux.RLock()
	defer l.mux.RUnlock()
	return l.mergeSnapshot(compact.Config{IsPrimary: true, IsLastLevel: true, OldestVLSN: compact.NoOpenReaders})
}

// ScanSecondaryIndex drives a second, independent write iterator over the exact same memtable and disk runs
// Scan merges, configured as a secondary-index output covering indexColumns: a terminal statement touching
// none of those columns is a no-op for this index and is dropped instead of emitted, the same demultiplexing
// a real secondary-index maintainer would apply to the merged primary stream. Each call runs its own merge
// and re-reads every source run; it does not share a merge pass with Scan.
func (l *LSMTree) ScanSecondaryIndex(indexColumns storage.ColumnMask) ([]storage.Statement, error) {
	l.mux.RLock()
	defer l.mux.RUnlock()
	return l.mergeSnapshot(compact.Config{
		IsPrimary: false, IndexColumnMask: indexColumns, IsLastLevel: true, OldestVLSN: compact.NoOpenReaders,
	})
}

// mergeSnapshot runs cfg's write iterator over the current memtable and every disk run, returning the
// resolved REPLACE statements. Caller must hold l.mux for reading.
func (l *LSMTree) mergeSnapshot(cfg compact.Config) ([]storage.Statement, error) {
	iter := compact.NewWriteIterator(cfg)
	if !l.memTable.Empty() {
		if err := iter.AddMemSource(l.memTable); err != nil {
			return nil, fmt.Errorf("failed to add mem source for scan: %w", err)
		}
	}
	for _, sst := range l.diskTables {
		if err := iter.AddRunSource(sst); err != nil {
			return nil, fmt.Errorf("failed to add run source for scan: %w", err)
		}
	}

	var stmts []storage.Statement
	for {
		stmt, ok, err := iter.Next()
		if err != nil {
			_ = iter.Close()
			return nil, fmt.Errorf("scan merge failed: %w", err)
		}
		if !ok {
			break
		}
		if stmt.Type == storage.Replace { // A last-level merge drops DELETEs and finalizes every UPSERT.
			stmts = append(stmts, stmt.Clone())
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close scan iterator: %w", err)
	}
	return stmts, nil
}

// flushMemTable flushes the currently held memTable to disk, driving it through the write iterator exactly
// as a run-to-run compaction would (one mem source, never the last level: a memtable flush always produces
// the newest run, which nothing above it could be compacting away). NOTE: Caller should acquire lock.
func (l *LSMTree) flushMemTable() error {
	if l.memTable.Empty() {
		return nil
	}

	prevPartId := int64(0)
	if l.latestDiskTable != nil {
		prevPartId = l.latestDiskTable.Id()
	}
	nextPartId := prevPartId + 1

	iter := compact.NewWriteIterator(compact.Config{IsPrimary: true, IsLastLevel: false, OldestVLSN: compact.NoOpenReaders})
	if err := iter.AddMemSource(l.memTable); err != nil {
		return fmt.Errorf("failed to add mem source for flush: %w", err)
	}
	var stmts []storage.Statement
	for {
		stmt, ok, err := iter.Next()
		if err != nil {
			_ = iter.Close()
			return fmt.Errorf("flush merge failed: %w", err)
		}
		if !ok {
			break
		}
		stmts = append(stmts, stmt.Clone())
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to close flush iterator: %w", err)
	}
	if len(stmts) == 0 {
		l.memTable = storage.NewMemTableWithClock(l.clock)
		return nil
	}

	tablePath := filepath.Join(l.dir, fmt.Sprintf("%d.sst", nextPartId))
	if err := storage.WriteRun(prevPartId, nextPartId, tablePath, stmts); err != nil {
		return fmt.Errorf("failed to write sstable to disk: %v", err)
	}
	sst, err := storage.NewSSTable(tablePath)
	if err != nil {
		return fmt.Errorf("failed to load newly created sstable %s: %v", tablePath, err)
	}
	if sst.Id() != nextPartId || sst.PrevPart() != prevPartId {
		utils.RaiseInvariant("lsm", "invalid_part_ids", "Created sstable has invalid part ids.", "table", tablePath)
		return fmt.Errorf("newly created sstable %s has invalid part ids: got (%d<-%d), want (%d<-%d)",
			tablePath, sst.PrevPart(), sst.Id(), prevPartId, nextPartId)
	}
	l.diskTables[nextPartId] = sst
	l.latestDiskTable = sst
	l.memTable = storage.NewMemTableWithClock(l.clock) // Reset memtable, keeping the shared version clock.
	slog.Info("Flushed MemTable to disk.", "path", tablePath)
	return nil
}

// Set sets the given key-value pair in the LSM tree.
func (l *LSMTree) Set(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("expected a non-empty key")
	}

	l.mux.Lock()
	defer l.mux.Unlock()

	if shouldFlush := l.memTable.Set(key, value); shouldFlush {
		return l.flushMemTable()
	}

	return nil
}

// Swap stores the given key, value in the storage and returns the previous value corresponding to the key.
func (l *LSMTree) Swap(key, value []byte) ( /*previousValue*/ []byte, error) {
	l.mux.Lock()
	defer l.mux.Unlock()

	var (
		returnValue []byte
		found       = false
	)
	shouldFlush, foundOnMem, prevValue := l.memTable.Swap(key, value)
	// If the mem table contains the previous value, we won't need to go further and lookup on disk.
	if foundOnMem {
		returnValue = prevValue
		found = true
	} else {
		// Look up disk for the previous value.
		prevValueOnDisk, err := l.lookupDiskTables(key)
		if err == nil {
			returnValue = prevValueOnDisk
			found = true
		} else if !errors.Is(err, storage.ErrKeyNotFound) { // Some unexpected error happened.
			return nil, fmt.Errorf("failed to swap key %v: %w", fmt.Sprint(key), err)
		}
	}

	if shouldFlush { // Flush memtable when we're done.
		if err := l.flushMemTable(); err != nil {
			return nil, err
		}
	}

	if !found {
		return nil, storage.ErrKeyNotFound
	}

	return returnValue, nil
}

// Upsert applies delta to whatever integer value key currently holds, returning the resulting total. The
// delta itself is folded into the memtable without reading disk (see storage.MemTable.Upsert); disk is only
// consulted here, after the fact, to resolve the total to report back when this memtable generation's record
// of key is still a deferred UPSERT (no REPLACE or DELETE base in this generation). The on-disk representation stays a deferred UPSERT until a flush or compaction
// finalizes it against an older base - resolveUpsert does not change what gets persisted.
func (l *LSMTree) Upsert(key []byte, delta int64) (int64, error) {
	if len(key) == 0 {
		return 0, fmt.Errorf("expected a non-empty key")
	}

	l.mux.Lock()
	defer l.mux.Unlock()

	shouldFlush, err := l.memTable.Upsert(key, storage.UpsertOp{Delta: delta})
	if err != nil {
		return 0, err
	}
	total, err := l.resolveUpsert(key)
	if err != nil {
		return 0, err
	}
	if shouldFlush {
		if err := l.flushMemTable(); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// resolveUpsert computes the current total for a counter key, reading whatever this memtable generation
// holds and, if that's still a deferred UPSERT (no base has been folded in yet this generation), resolving
// it against the most recent disk value. NOTE: caller must hold l.mux.
func (l *LSMTree) resolveUpsert(key []byte) (int64, error) {
	stmt, ok := l.memTable.Peek(key)
	if !ok {
		return 0, fmt.Errorf("upsert key %q vanished from the memtable", key)
	}
	if stmt.Type == storage.Replace {
		return storage.DecodeCounterValue(stmt.Value)
	}

	op, err := storage.DecodeUpsertOp(stmt.Value)
	if err != nil {
		return 0, err
	}
	base, err := l.lookupDiskTables(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return op.Delta, nil
		}
		return 0, err
	}
	baseValue, err := storage.DecodeCounterValue(base)
	if err != nil {
		return 0, fmt.Errorf("key %q holds a non-counter value, cannot upsert: %w", key, err)
	}
	return baseValue + op.Delta, nil
}

// Compact merges the disk runs named by partIDs into a single run, resolving their combined version history
// with the write iterator. partIDs must name a contiguous suffix of the chain (the merged run keeps the id
// of the newest part in partIDs, so every other run's prevPart link stays valid without rewriting). isLastLevel
// should be true only when the oldest part in partIDs is the chain's tail, letting DELETEs and dangling
// UPSERTs resolve completely instead of being carried forward as tombstones.
func (l *LSMTree) Compact(partIDs []int64, isLastLevel bool, oldestVLSN uint64) error {
	if len(partIDs) == 0 {
		return fmt.Errorf("expected a non-empty list of part ids")
	}

	l.mux.Lock()
	defer l.mux.Unlock()

	sorted := append([]int64(nil), partIDs...)
	slices.Sort(sorted)
	tables := make([]*storage.SSTable, len(sorted))
	for i, id := range sorted {
		sst, ok := l.diskTables[id]
		if !ok {
			return fmt.Errorf("part %d not found in lsm tree for table %d", id, l.table)
		}
		tables[i] = sst
	}
	oldest, newest := tables[0], tables[len(tables)-1]
	wasLatest := l.latestDiskTable != nil && slices.Contains(sorted, l.latestDiskTable.Id())

	iter := compact.NewWriteIterator(compact.Config{IsPrimary: true, IsLastLevel: isLastLevel, OldestVLSN: oldestVLSN})
	// Add newest-first, matching the priority reads already give the newest run; the merge order itself
	// follows each statement's version, not the order sources were added.
	for i := len(tables) - 1; i >= 0; i-- {
		if err := iter.AddRunSource(tables[i]); err != nil {
			return fmt.Errorf("failed to add run source for compaction: %w", err)
		}
	}
	var merged []storage.Statement
	for {
		stmt, ok, err := iter.Next()
		if err != nil {
			_ = iter.Close()
			return fmt.Errorf("compaction merge failed: %w", err)
		}
		if !ok {
			break
		}
		merged = append(merged, stmt.Clone())
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to close compaction iterator: %w", err)
	}

	prevPartId, newestId := oldest.PrevPart(), newest.Id()
	mergedPath := filepath.Join(l.dir, fmt.Sprintf("%d.sst", newestId))
	for _, sst := range tables {
		id := sst.Id()
		if err := sst.Close(); err != nil {
			return fmt.Errorf("failed to close sstable %d before compaction: %w", id, err)
		}
		if id != newestId {
			if err := os.Remove(filepath.Join(l.dir, fmt.Sprintf("%d.sst", id))); err != nil {
				return fmt.Errorf("failed to remove compacted sstable %d: %w", id, err)
			}
		}
		delete(l.diskTables, id)
	}

	if len(merged) == 0 {
		// Every statement in this span resolved to nothing, e.g. an all-tombstoned last-level span.
		if wasLatest {
			l.latestDiskTable = nil
		}
		slog.Info("Compaction produced no surviving statements; span dropped from the chain.",
			"table", l.table, "parts", sorted)
		return nil
	}

	if err := storage.WriteRun(prevPartId, newestId, mergedPath, merged); err != nil {
		return fmt.Errorf("failed to write compacted sstable: %w", err)
	}
	sst, err := storage.NewSSTable(mergedPath)
	if err != nil {
		return fmt.Errorf("failed to load compacted sstable: %w", err)
	}
	l.diskTables[newestId] = sst
	if wasLatest {
		l.latestDiskTable = sst
	}
	slog.Info("Compacted sstables.", "table", l.table, "parts", sorted, "path", mergedPath)
	return nil
}

// Close closes every SSTable in the LSM tree.
func (l *LSMTree) Close() error {
	if l == nil {
		return nil
	}

	l.mux.Lock()
	defer l.mux.Unlock()

	slog.Info("Closing LSM tree instance.")
	var errs error
	if err := l.flushMemTable(); err != nil {
		errs = err
	}
	for _, sst := range l.diskTables {
		if sst == nil {
			continue
		}
		if err := sst.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	return errs
}
