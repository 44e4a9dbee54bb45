package compact

import (
	"bytes"

	"github.com/vinyldb/vinyl/pkg/storage"
	"github.com/vinyldb/vinyl/pkg/utils"
)

// sourceHandle is one live Source tracked by the iterator, together with its current head.
type sourceHandle struct {
	src    Source
	head   storage.Statement
	closed bool
}

// heapEntry is one slot in the source heap: either a live source or the transient sentinel the key-collapse
// loop pushes to detect "no more sources share this key" without a lookahead buffer. pos mirrors the
// element's current index, kept up to date by sourceHeap.Swap/Push, and covers the sentinel as well.
type heapEntry struct {
	handle     *sourceHandle // nil when isSentinel.
	isSentinel bool
	pos        int
}

// sourceHeap is a container/heap min-heap over heapEntry, ordered by the four-rule merge predicate: key
// ascending, then (within a key) version descending, then terminal statements before UPSERT, with the
// sentinel sorting as the greatest element sharing its key; the sentinel is what the write iterator uses
// for per-key collapse.
type sourceHeap struct {
	entries []*heapEntry
	// current points at the iterator's candidate statement C; consulted only when comparing against the
	// sentinel, which has no statement of its own.
	current *storage.Statement
}

func (h *sourceHeap) Len() int { return len(h.entries) }

func (h *sourceHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if a.isSentinel && b.isSentinel {
		utils.RaiseInvariant("compact", "both_sentinel",
			"Source heap compared the sentinel against itself; at most one sentinel may be present.")
		return false
	}
	return less(h.stmtOf(a), a.isSentinel, h.stmtOf(b), b.isSentinel)
}

func (h *sourceHeap) stmtOf(e *heapEntry) storage.Statement {
	if e.isSentinel {
		return *h.current
	}
	return e.handle.head
}

func (h *sourceHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].pos = i
	h.entries[j].pos = j
}

func (h *sourceHeap) Push(x any) {
	entry := x.(*heapEntry)
	entry.pos = len(h.entries)
	h.entries = append(h.entries, entry)
}

func (h *sourceHeap) Pop() any {
	n := len(h.entries)
	entry := h.entries[n-1]
	h.entries[n-1] = nil
	h.entries = h.entries[:n-1]
	return entry
}

// less implements the merge-order predicate: key ascending; within a key, the sentinel sorts last (it
// represents "no more sources at this key"); otherwise version descending, then terminal statements
// (REPLACE/DELETE) before UPSERT so a base is always found before the UPSERT that needs it.
func less(a storage.Statement, aIsSentinel bool, b storage.Statement, bIsSentinel bool) bool {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	if aIsSentinel != bIsSentinel {
		return bIsSentinel
	}
	if aIsSentinel {
		return false // Both are the sentinel at the same key; Less's caller already raised the invariant.
	}
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	if a.IsTerminal() != b.IsTerminal() {
		return a.IsTerminal()
	}
	return false
}
