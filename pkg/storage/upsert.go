// UPSERT statements carry a deferred operation instead of a final value. ApplyUpsert folds such an
// operation against an older base statement (possibly another UPSERT, possibly none), producing either a
// terminal statement or a merged UPSERT, per the fold rule in the write iterator's key-collapse loop.

package storage

import (
	"encoding/binary"
	"fmt"
)

// UpsertOp is the supported deferred operation: add Delta to whatever 64-bit integer value the base holds,
// starting from zero when there is no base (or the base is a DELETE/absent). This is a deliberately reduced
// stand-in for a richer field-splice operation language; it's enough to exercise ApplyUpsert's two branches
// (merge-with-upsert vs. finalize-against-terminal) end-to-end via a Redis INCRBY command.
type UpsertOp struct {
	Delta int64
}

// EncodeUpsertOp packs op into a Statement's Value field.
func EncodeUpsertOp(op UpsertOp) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(op.Delta))
	return buf
}

// DecodeUpsertOp unpacks a previously encoded UpsertOp.
func DecodeUpsertOp(value []byte) (UpsertOp, error) {
	if len(value) != 8 {
		return UpsertOp{}, fmt.Errorf("malformed upsert op: expected 8 bytes, got %d", len(value))
	}
	return UpsertOp{Delta: int64(binary.BigEndian.Uint64(value))}, nil
}

func decodeInt64Value(value []byte) (int64, error) {
	if len(value) != 8 {
		return 0, fmt.Errorf("malformed integer value: expected 8 bytes, got %d", len(value))
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

func encodeInt64Value(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

// EncodeCounterValue packs a finalized counter total the same way ApplyUpsert's REPLACE branch does, for
// callers that need to seed or compare a counter's on-disk representation directly.
func EncodeCounterValue(v int64) []byte {
	return encodeInt64Value(v)
}

// DecodeCounterValue unpacks a counter total previously stored via EncodeCounterValue or produced by
// ApplyUpsert's REPLACE branch.
func DecodeCounterValue(value []byte) (int64, error) {
	return decodeInt64Value(value)
}

// ApplyUpsert folds upsert against base (hasBase indicates whether a base exists at all - a missing base is
// treated the same as a DELETE base: the operation starts from zero).
//
// Semantics:
//   - no base, or base is DELETE: start from zero and apply the delta, producing a REPLACE.
//   - base is REPLACE: apply the delta to the base's stored value, producing a REPLACE.
//   - base is UPSERT: merge the two deltas, producing a new UPSERT (to be folded further, or finalized
//     later against whatever base eventually surfaces).
func ApplyUpsert(upsert Statement, base Statement, hasBase bool) (Statement, error) {
	if upsert.Type != Upsert {
		return Statement{}, fmt.Errorf("expected an upsert statement, got %s", upsert.Type)
	}
	op, err := DecodeUpsertOp(upsert.Value)
	if err != nil {
		return Statement{}, fmt.Errorf("failed to decode upsert op: %w", err)
	}

	if !hasBase || base.Type == Delete {
		return Statement{
			Key: upsert.Key, Version: upsert.Version, Type: Replace,
			ColumnMask: upsert.ColumnMask, Value: encodeInt64Value(op.Delta),
		}, nil
	}

	switch base.Type {
	case Replace:
		baseValue, err := decodeInt64Value(base.Value)
		if err != nil {
			return Statement{}, fmt.Errorf("failed to decode base value for upsert: %w", err)
		}
		return Statement{
			Key: upsert.Key, Version: upsert.Version, Type: Replace,
			ColumnMask: upsert.ColumnMask | base.ColumnMask, Value: encodeInt64Value(baseValue + op.Delta),
		}, nil
	case Upsert:
		baseOp, err := DecodeUpsertOp(base.Value)
		if err != nil {
			return Statement{}, fmt.Errorf("failed to decode base upsert op: %w", err)
		}
		return Statement{
			Key: upsert.Key, Version: upsert.Version, Type: Upsert,
			ColumnMask: upsert.ColumnMask | base.ColumnMask,
			Value:      EncodeUpsertOp(UpsertOp{Delta: op.Delta + baseOp.Delta}),
		}, nil
	default:
		return Statement{}, fmt.Errorf("unexpected base statement type: %s", base.Type)
	}
}
