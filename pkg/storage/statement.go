// A Statement is the unit of data the write iterator (package compact) merges. Every mutation to the
// store - a SET, a DEL, or a deferred INCRBY - is represented as one immutable, versioned Statement before
// it ever reaches a memtable or an on-disk run.

package storage

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// StmtType is the kind of mutation a Statement represents.
type StmtType uint8

const (
	// Replace sets the key's value outright, shadowing every older version.
	Replace StmtType = iota
	// Delete marks the key as removed. Kept as a tombstone until it reaches the last level.
	Delete
	// Upsert is a deferred update that must be folded against an older base statement before it can be
	// finalized into a Replace or Delete.
	Upsert
)

func (t StmtType) String() string {
	switch t {
	case Replace:
		return "REPLACE"
	case Delete:
		return "DELETE"
	case Upsert:
		return "UPSERT"
	default:
		return "UNKNOWN"
	}
}

// ColumnMask is a bitmap of the columns an update touched. A mask of 0 is treated as "touches everything"
// for primary-index sources; secondary-index sources use it to skip no-op updates (see ApplyUpsert callers
// and the write iterator's main loop).
type ColumnMask uint64

// AllColumns is the default mask for statements that don't track per-column changes.
const AllColumns ColumnMask = ^ColumnMask(0)

// Statement is an immutable versioned record. Statements produced by a mem source are ordinary Go values
// with no special ownership; statements produced by a run source are decoded into a buffer owned by that
// source and must be cloned (see Statement.Clone) before being retained across the source's next Advance.
type Statement struct {
	Key        []byte
	Version    uint64 // Monotonically assigned LSN; higher means newer.
	Type       StmtType
	ColumnMask ColumnMask
	Value      []byte // REPLACE: the stored value. UPSERT: an encoded UpsertOp. DELETE: unused.
}

// Clone returns a deep copy of s, safe to retain past the lifetime of any buffer s.Key/s.Value alias.
func (s Statement) Clone() Statement {
	clone := s
	clone.Key = append([]byte(nil), s.Key...)
	clone.Value = append([]byte(nil), s.Value...)
	return clone
}

// IsTerminal reports whether s fully determines the value at its key, i.e. needs no older base.
func (s Statement) IsTerminal() bool {
	return s.Type == Replace || s.Type == Delete
}

// statementPayload is everything about a Statement that isn't already implied by the key under which an
// SSTable data block stores it.
type statementPayload struct {
	Version    uint64
	Type       StmtType
	ColumnMask ColumnMask
	Value      []byte
}

// EncodeStatementPayload gob-encodes everything about stmt except its key, for storage as an SSTable data
// block value.
func EncodeStatementPayload(stmt Statement) ([]byte, error) {
	var buf bytes.Buffer
	payload := statementPayload{Version: stmt.Version, Type: stmt.Type, ColumnMask: stmt.ColumnMask, Value: stmt.Value}
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("failed to encode statement payload: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeStatementPayload reconstructs a Statement for key from a payload previously produced by
// EncodeStatementPayload.
func DecodeStatementPayload(key []byte, raw []byte) (Statement, error) {
	var payload statementPayload
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&payload); err != nil {
		return Statement{}, fmt.Errorf("failed to decode statement payload: %w", err)
	}
	return Statement{
		Key: key, Version: payload.Version, Type: payload.Type,
		ColumnMask: payload.ColumnMask, Value: payload.Value,
	}, nil
}

// StatementsToPairs encodes an ascending-key statement list (e.g. the write iterator's output) into the
// key/encoded-payload pairs WriteSSTable persists as a new run.
func StatementsToPairs(stmts []Statement) ([]BytePair, error) {
	pairs := make([]BytePair, 0, len(stmts))
	for _, stmt := range stmts {
		payload, err := EncodeStatementPayload(stmt)
		if err != nil {
			return nil, fmt.Errorf("failed to encode statement for key %x: %w", stmt.Key, err)
		}
		pairs = append(pairs, BytePair{Key: stmt.Key, Value: payload})
	}
	return pairs, nil
}
