// A compaction source adapts an in-memory or on-disk structure into the linear, ordered statement stream
// the write iterator (package compact) merges. MemSource is the refable regime (plain Go values, no
// aliasing hazard); RunSource is the non-refable regime (every head aliases a small reused buffer that's
// overwritten on the next Advance, mirroring the block layer's buffer-pool discipline in block.go).

package storage

// MemSource adapts a MemTable snapshot into a compaction source. Statements are ordinary Go values, so
// retaining a head past an Advance call is always safe - "refable" degenerates to "always true" for this
// source, matching the design note that Go's GC makes true refcounting unnecessary for the mem regime.
type MemSource struct {
	stmts []Statement
	idx   int
}

// newMemSource wraps a pre-sorted statement snapshot (see MemTable.Statements) into a MemSource.
func newMemSource(stmts []Statement) *MemSource {
	return &MemSource{stmts: stmts, idx: 0}
}

// Source adapts m into a compaction source over every statement currently held (live values and pending
// tombstones). The returned source is a point-in-time snapshot; further writes to m are not reflected.
func (m *MemTable) Source() *MemSource {
	return newMemSource(m.Statements())
}

func (s *MemSource) Head() (Statement, bool) {
	if s.idx >= len(s.stmts) {
		return Statement{}, false
	}
	return s.stmts[s.idx], true
}

func (s *MemSource) Advance() (Statement, bool, error) {
	s.idx++
	return s.Head()
}

func (s *MemSource) Refable() bool { return true }

func (s *MemSource) Close() error { return nil }

// RunSource adapts a decoded SSTable statement list into a compaction source whose head aliases a single
// reused pair of buffers, invalidated on the following Advance - the non-refable regime spec.md requires of
// run sources. Retaining a RunSource's head across an Advance without cloning it first (Statement.Clone)
// is a bug in the caller, not in RunSource.
type RunSource struct {
	stmts         []Statement
	idx           int
	keyBuf, valBuf []byte
	cur           Statement
	hasCur        bool
}

// newRunSource wraps a decoded, ascending-key statement list into a RunSource positioned at the first head.
func newRunSource(stmts []Statement) *RunSource {
	r := &RunSource{stmts: stmts}
	r.load(0)
	return r
}

// Source decodes every statement in s and adapts it into a compaction run source. Since an entire SSTable is
// already a single contiguous file, decoding it fully up front (as Statements already does) is the natural
// unit of work for a compaction pass; RunSource still enforces the non-refable aliasing contract on top of
// that eagerly-decoded list so callers can't rely on retained heads surviving an Advance.
func (s *SSTable) Source() (*RunSource, error) {
	stmts, err := s.Statements()
	if err != nil {
		return nil, err
	}
	return newRunSource(stmts), nil
}

// load copies stmts[idx] into the reused key/value buffers, or marks the source exhausted.
func (r *RunSource) load(idx int) {
	r.idx = idx
	if idx >= len(r.stmts) {
		r.hasCur = false
		return
	}
	src := r.stmts[idx]
	r.keyBuf = append(r.keyBuf[:0], src.Key...)
	r.valBuf = append(r.valBuf[:0], src.Value...)
	r.cur = Statement{Key: r.keyBuf, Version: src.Version, Type: src.Type, ColumnMask: src.ColumnMask, Value: r.valBuf}
	r.hasCur = true
}

func (r *RunSource) Head() (Statement, bool) {
	if !r.hasCur {
		return Statement{}, false
	}
	return r.cur, true
}

func (r *RunSource) Advance() (Statement, bool, error) {
	r.load(r.idx + 1)
	return r.Head()
}

func (r *RunSource) Refable() bool { return false }

func (r *RunSource) Close() error { return nil }
