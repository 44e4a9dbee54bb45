// MemTable holds the newest, not-yet-flushed statements for one LSM level. Within a single memtable
// generation only the latest value per key is kept (an overwritten or deleted-then-reset key leaves no
// trace of its earlier value) - that's the normal in-place-update memtable semantics every LSM engine uses.
// Cross-generation version history is what the write iterator (package compact) resolves once a memtable is
// flushed into an immutable run and merged against older runs.
//
// Keys deleted from an otherwise-populated memtable still need to be flushed as DELETE tombstones, so that
// an older, already-flushed value for the same key doesn't resurface after compaction; those are tracked
// separately from the live key/value map.

package storage

import (
	"bytes"
	"flag"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/vinyldb/vinyl/pkg/config"
)

var (
	memtableFlushEntries = flag.Int("memtable_flush_size", 1000,
		"Number of entries held in a memtable before it's flushed to disk.")
	_ = config.Register("memtable_flush_size")
	memtableFlushBytes = flag.Int("memtable_flush_size_bytes", 4*1024*1024,
		"Number of bytes held in a memtable (keys+values) before it's flushed to disk.")
	_ = config.Register("memtable_flush_size_bytes")
)

// MemTable is an in-memory sorted table of the newest statements for a set of keys.
type MemTable struct {
	live       *SkipList[string, Statement] // userKey -> latest Replace or Upsert statement.
	tombstones map[string]uint64            // userKey -> version, for keys deleted since the last flush.
	entries    int                          // len(live); tracked separately to match the exposed counter.
	heldBytes  int                          // sum of len(key)+len(value) over live entries.
	clock      *atomic.Uint64               // Shared or private monotonic version counter.
}

// NewMemTable creates an empty MemTable with its own private version clock.
func NewMemTable() *MemTable {
	return NewMemTableWithClock(new(atomic.Uint64))
}

// NewMemTableWithClock creates an empty MemTable whose versions are drawn from a clock shared across an
// LSMTree's successive memtable generations, so versions stay strictly increasing across flushes.
func NewMemTableWithClock(clock *atomic.Uint64) *MemTable {
	return &MemTable{
		live:       NewSkipList[string, Statement](func(a, b string) int { return bytes.Compare([]byte(a), []byte(b)) }),
		tombstones: make(map[string]uint64),
		clock:      clock,
	}
}

// Get returns the latest live value for key, or false if it's absent or was deleted.
func (m *MemTable) Get(key []byte) ([]byte, bool) {
	stmt, err := m.live.Get(string(key))
	if err != nil {
		return nil, false
	}
	return stmt.Value, true
}

// Set stores value for key, returning true if the memtable has grown past a configured flush threshold.
func (m *MemTable) Set(key, value []byte) (shouldFlush bool) {
	version := m.clock.Add(1)
	stmt := Statement{Key: key, Version: version, Type: Replace, ColumnMask: AllColumns, Value: value}
	delete(m.tombstones, string(key))

	prev, getErr := m.live.Get(string(key))
	existed := getErr == nil
	if _, err := m.live.Set(string(key), stmt); err != nil {
		existed = false
	}
	if existed {
		m.heldBytes += len(value) - len(prev.Value)
	} else {
		m.entries++
		m.heldBytes += len(key) + len(value)
	}
	return m.shouldFlush()
}

// Delete removes key from the memtable, returning true if it was present. If key had already been flushed
// in an older run, the deletion is still recorded as a tombstone so a later flush doesn't resurrect it.
func (m *MemTable) Delete(key []byte) (found bool) {
	version := m.clock.Add(1)
	prev, getErr := m.live.Get(string(key))
	existed := getErr == nil
	if existed {
		_ = m.live.Delete(string(key))
		m.entries--
		m.heldBytes -= len(key) + len(prev.Value)
	}
	m.tombstones[string(key)] = version
	return existed
}

// Upsert folds op's delta into whatever THIS memtable generation already holds live for key - an earlier
// UPSERT has its delta merged, a REPLACE is finalized immediately, a same-generation tombstone is treated as
// a zero base (ApplyUpsert's DELETE-base rule) - so two INCRBYs on the same key before a flush don't lose
// one delta to the other simply overwriting it. If this generation holds nothing at all for key, the base
// might still exist in an older, already-flushed run that this memtable has no visibility into, so the
// statement is stored as a deferred UPSERT rather than finalized against an assumed zero base; only the
// write iterator, once it has walked every source down to the chain's tail, may finalize a baseless UPSERT.
func (m *MemTable) Upsert(key []byte, op UpsertOp) (shouldFlush bool, err error) {
	version := m.clock.Add(1)
	upsertStmt := Statement{Key: key, Version: version, Type: Upsert, ColumnMask: AllColumns, Value: EncodeUpsertOp(op)}

	base, getErr := m.live.Get(string(key))
	existedLive := getErr == nil
	_, tombstonedHere := m.tombstones[string(key)]
	hasBase := existedLive || tombstonedHere
	if tombstonedHere && !existedLive {
		base = Statement{Type: Delete} // Deleted earlier this generation; folds to a zero base.
	}

	var folded Statement
	if hasBase {
		applied, applyErr := ApplyUpsert(upsertStmt, base, true)
		if applyErr != nil {
			return false, fmt.Errorf("failed to apply upsert for key %q: %w", key, applyErr)
		}
		folded = applied
	} else {
		folded = upsertStmt // No visibility into whether an older run holds a base; defer to the merge.
	}
	folded.Version = version

	delete(m.tombstones, string(key))
	prevValue := base.Value
	if _, err := m.live.Set(string(key), folded); err != nil {
		existedLive = false
	}
	if existedLive {
		m.heldBytes += len(folded.Value) - len(prevValue)
	} else {
		m.entries++
		m.heldBytes += len(key) + len(folded.Value)
	}
	return m.shouldFlush(), nil
}

// Peek returns the raw live Statement for key, if this memtable generation holds one. Unlike Get, which
// returns only the stored bytes, it keeps the statement's type - callers that need to know whether a key is still a
// deferred UPSERT (e.g. LSMTree.Upsert resolving a counter's current total) use this instead.
func (m *MemTable) Peek(key []byte) (Statement, bool) {
	stmt, err := m.live.Get(string(key))
	return stmt, err == nil
}

// Swap stores value for key and returns the previous value, if any (from this memtable only; the caller is
// responsible for falling back to disk tables when foundOnMem is false).
func (m *MemTable) Swap(key, value []byte) (shouldFlush, foundOnMem bool, prevValue []byte) {
	prev, getErr := m.live.Get(string(key))
	existed := getErr == nil
	shouldFlush = m.Set(key, value)
	if existed {
		return shouldFlush, true, prev.Value
	}
	return shouldFlush, false, nil
}

// shouldFlush reports whether the memtable has grown past either configured threshold.
func (m *MemTable) shouldFlush() bool {
	return m.entries >= *memtableFlushEntries || m.heldBytes >= *memtableFlushBytes
}

// Statements returns every statement held by the memtable - live Replace and Upsert statements and pending
// Delete tombstones - in ascending key order, which is exactly the order a compact.Source must produce.
func (m *MemTable) Statements() []Statement {
	stmts := make([]Statement, 0, m.entries+len(m.tombstones))
	for pair := range m.live.Iterate() {
		stmts = append(stmts, pair.Value)
	}
	for key, version := range m.tombstones {
		stmts = append(stmts, Statement{Key: []byte(key), Version: version, Type: Delete, ColumnMask: AllColumns})
	}
	slices.SortFunc(stmts, func(a, b Statement) int { return bytes.Compare(a.Key, b.Key) })
	return stmts
}

// Empty reports whether the memtable has nothing to flush.
func (m *MemTable) Empty() bool {
	return m.entries == 0 && len(m.tombstones) == 0
}

// Close releases no resources to free for now.
func (m *MemTable) Close() error {
	return nil
}
