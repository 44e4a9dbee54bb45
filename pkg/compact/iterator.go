package compact

import (
	"bytes"
	"container/heap"
	"errors"
	"fmt"
	"math"

	"github.com/vinyldb/vinyl/pkg/storage"
	"github.com/vinyldb/vinyl/pkg/utils"
)

// ErrIteratorClosed is returned by Next once the iterator has been closed.
var ErrIteratorClosed = errors.New("compact: iterator is closed")

// NoOpenReaders is the OldestVLSN value a caller passes when it isn't protecting any open read snapshot -
// every version, however new, is then eligible for collapse/fold/drop. Versions start at 1 and only grow, so
// OldestVLSN: 0 does NOT mean this; it means the opposite, letting almost every statement bypass resolution
// entirely. Callers resolving a full snapshot (a scan, a flush, an admin compaction) want NoOpenReaders, not 0.
const NoOpenReaders uint64 = math.MaxUint64

// Config selects which resolution rules the write iterator applies to the statements it merges.
type Config struct {
	// IsPrimary marks a primary-index output. Primary outputs never skip a statement for touching no
	// indexed column; that check only applies to secondary-index outputs.
	IsPrimary bool
	// IndexColumnMask is the set of columns a secondary index covers. Ignored when IsPrimary is true.
	IndexColumnMask storage.ColumnMask
	// IsLastLevel marks a compaction into the oldest (tail) run in the chain: DELETEs can be dropped
	// outright instead of kept as tombstones, and a dangling UPSERT with no base folds against zero.
	IsLastLevel bool
	// OldestVLSN is the oldest version any open read transaction can still observe. Versions newer than
	// this are passed through untouched, preserving the read snapshot they were written for.
	OldestVLSN uint64
}

// WriteIterator merges any number of Source streams (one memtable, or N on-disk runs) into a single
// ascending-key, descending-version stream, applying Config's resolution rules per key. See
// storage.MemTable.Source and storage.SSTable.Source for how to build its inputs.
type WriteIterator struct {
	cfg     Config
	heap    sourceHeap
	sources []*sourceHandle // Every source ever added, for Close; the heap only holds the live ones.
	current storage.Statement
	closed  bool
}

// NewWriteIterator builds a write iterator configured by cfg. Sources must be added with AddMemSource /
// AddRunSource before the first call to Next.
func NewWriteIterator(cfg Config) *WriteIterator {
	w := &WriteIterator{cfg: cfg}
	w.heap.current = &w.current
	return w
}

// AddMemSource adds src's statements as one input stream.
func (w *WriteIterator) AddMemSource(src *storage.MemTable) error {
	return w.addSource(src.Source())
}

// AddRunSource adds src's statements as one input stream.
func (w *WriteIterator) AddRunSource(src *storage.SSTable) error {
	runSource, err := src.Source()
	if err != nil {
		return fmt.Errorf("failed to open run source: %w", err)
	}
	return w.addSource(runSource)
}

func (w *WriteIterator) addSource(src Source) error {
	head, ok := src.Head()
	if !ok {
		return src.Close()
	}
	handle := &sourceHandle{src: src, head: head}
	w.sources = append(w.sources, handle)
	heap.Push(&w.heap, &heapEntry{handle: handle})
	return nil
}

// replaceCurrent installs stmt as the iterator's current-tuple holder. In test mode it checks the weaker
// "not strictly greater" invariant every replacement must satisfy: a holder only ever moves to a later key,
// or to an older version of the same key (never to a newer version of the same key, which would mean a
// source was read out of order).
func (w *WriteIterator) replaceCurrent(stmt storage.Statement) {
	if utils.IsTestMode && w.current.Key != nil {
		sameKey := bytes.Equal(stmt.Key, w.current.Key)
		if sameKey && stmt.Version > w.current.Version {
			utils.RaiseInvariant("compact", "bad_holder_replacement",
				"Current-tuple holder replaced with a newer version of the same key.",
				"key", stmt.Key, "prevVersion", w.current.Version, "newVersion", stmt.Version)
		}
		if !sameKey && bytes.Compare(stmt.Key, w.current.Key) < 0 {
			utils.RaiseInvariant("compact", "bad_holder_replacement",
				"Current-tuple holder replaced with a statement whose key sorts before the previous one.",
				"prevKey", w.current.Key, "newKey", stmt.Key)
		}
	}
	w.current = stmt
}

// step advances the source at the heap's top (the caller must ensure it is not the sentinel) and
// repositions or removes it.
func (w *WriteIterator) step() error {
	top := w.heap.entries[0]
	next, ok, err := top.handle.src.Advance()
	if err != nil {
		return fmt.Errorf("source advance failed: %w", err)
	}
	if !ok {
		heap.Remove(&w.heap, top.pos)
		top.handle.closed = true
		if err := top.handle.src.Close(); err != nil {
			return fmt.Errorf("failed to close exhausted source: %w", err)
		}
		return nil
	}
	top.handle.head = next
	heap.Fix(&w.heap, top.pos)
	return nil
}

// collapseKey runs the per-key collapse loop: it pushes a transient sentinel into the heap to detect the
// point at which no other source still shares the current key, folding w.current against each successive
// same-key statement N it finds along the way when w.current is an UPSERT that needs a base.
func (w *WriteIterator) collapseKey() error {
	sentinel := &heapEntry{isSentinel: true}
	heap.Push(&w.heap, sentinel)
	defer heap.Remove(&w.heap, sentinel.pos)

	for {
		top := w.heap.entries[0]
		atSentinel := top.isSentinel

		if w.current.Type == storage.Upsert && (!atSentinel || w.cfg.IsLastLevel) {
			var base storage.Statement
			hasBase := false
			if !atSentinel {
				base = top.handle.head
				hasBase = true
			}
			folded, err := storage.ApplyUpsert(w.current, base, hasBase)
			if err != nil {
				return fmt.Errorf("failed to fold upsert during key collapse: %w", err)
			}
			statementsFolded.Inc()
			w.replaceCurrent(folded)
		}

		if atSentinel {
			return nil
		}
		if err := w.step(); err != nil {
			return err
		}
	}
}

// Next returns the next statement in the merged, collapsed output, or false once every source is exhausted.
func (w *WriteIterator) Next() (storage.Statement, bool, error) {
	if w.closed {
		return storage.Statement{}, false, ErrIteratorClosed
	}
	for w.heap.Len() > 0 {
		top := w.heap.entries[0]
		head := top.handle.head
		if !top.handle.src.Refable() { // The head aliases the source's buffers, which step() overwrites.
			head = head.Clone()
		}
		w.replaceCurrent(head)
		if err := w.step(); err != nil {
			return storage.Statement{}, false, err
		}

		// A version still visible to an open read transaction is passed through untouched, regardless of
		// every other resolution rule - folding or dropping it would change what that transaction sees.
		if w.current.Version > w.cfg.OldestVLSN {
			statementsEmitted.Inc()
			return w.current, true, nil
		}

		if !w.cfg.IsPrimary && w.current.IsTerminal() && w.cfg.IndexColumnMask&w.current.ColumnMask == 0 {
			statementsDropped.WithLabelValues("secondary_noop").Inc()
			continue
		}

		if err := w.collapseKey(); err != nil {
			return storage.Statement{}, false, err
		}

		if w.current.Type == storage.Delete && w.cfg.IsLastLevel {
			statementsDropped.WithLabelValues("delete_at_last_level").Inc()
			continue
		}

		statementsEmitted.Inc()
		return w.current, true, nil
	}
	return storage.Statement{}, false, nil
}

// Close releases every source the iterator was given, even ones already exhausted and removed from the
// heap, and returns the first error encountered (if any).
func (w *WriteIterator) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	var err error
	for _, h := range w.sources {
		if h.closed {
			continue
		}
		if closeErr := h.src.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close source: %w", closeErr))
		}
	}
	return err
}
