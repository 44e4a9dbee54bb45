package port

import (
	"errors"
	"flag"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/vinyldb/vinyl/pkg/config"
	"github.com/vinyldb/vinyl/pkg/lsm"
	"github.com/vinyldb/vinyl/pkg/storage"
	"github.com/vinyldb/vinyl/pkg/utils"
)

var dataDir = flag.String("data_dir", "./data", "Directory to store the DB data files.")
var _ = config.Register("data_dir")

// KiwiStorage is the Kiwi storage backend used by Kiwi ports, e.g. Redis.
type KiwiStorage struct {
	mux sync.RWMutex
	db  storage.KeyValueHolder
	lsm *lsm.LSMTree // Same instance as db; kept concrete so Upsert/Compact, absent from KeyValueHolder, stay reachable.
}

// NewKiwiStorage creates a new KiwiStorage backed by a single LSM tree (table 1) under --data_dir.
func NewKiwiStorage() (*KiwiStorage, error) {
	if *dataDir == "" {
		return nil, errors.New("--data_dir flag is required")
	}
	// TODO: Allow support for multi tables (multi Redis DBs).
	db, err := lsm.NewLSMTree(*dataDir, 1 /*table*/)
	if err != nil {
		return nil, fmt.Errorf("failed to create db: %w", err)
	}

	store := &KiwiStorage{db: db, lsm: db, mux: sync.RWMutex{}}
	runtime.SetFinalizer(store, func(store *KiwiStorage) { _ = store.Close() })
	return store, nil
}

// Get looks up the given `key` and returns its value or an error if not found.
func (ks *KiwiStorage) Get(key []byte) ([]byte, error) {
	ks.mux.RLock()
	defer ks.mux.RUnlock()

	packed, err := ks.db.Get(key)
	if err != nil {
		return nil, err
	}
	unpacked, err := unpack(packed)
	if err != nil {
		return nil, err
	}
	if unpacked.is(TombStone) || unpacked.isExpired() {
		return nil, storage.ErrKeyNotFound
	}

	return unpacked.value, nil
}

type existenceCheck uint8

const (
	noCheck     existenceCheck = iota
	ifNotExists                // NX
	ifExists                   // XX
)

var allExistenceChecks = []existenceCheck{noCheck, ifExists, ifNotExists}

type SetCommand struct {
	key        []byte
	value      []byte
	expiryTime time.Time
	existence  existenceCheck
	keepTtl    bool // The Redis KEEPTTL option; overrides the `expiryTime`.
	get        bool // The Redis GET option; if true, should return the previous value.
}

type SetResult struct {
	previousValue    []byte // Only set if the command requires the previous value.
	hasPreviousValue bool   // If true, the `key` specified in SetCommand had a previous value.
	couldSet         bool   // If true, something was set in the storage.
	err              error
}

// Set executes the given `cmd` and returns the previous value if required.
func (ks *KiwiStorage) Set(cmd SetCommand) SetResult {
	if !slices.Contains(allExistenceChecks, cmd.existence) {
		utils.RaiseInvariant("backend", "unknown_set_existence_constraint",
			"Got an unknown existence constraint in the given set command.", "constraint", cmd.existence)
		return SetResult{err: fmt.Errorf("got unknwon set constraint '%d'", cmd.existence)}
	}

	ks.mux.Lock()
	defer ks.mux.Unlock()

	// Check if previous key-value pair needs to be retrieved.
	var prevValue []byte = nil
	hasPrevValue := false
	if cmd.existence != noCheck || cmd.keepTtl || cmd.get {
		value, err := ks.db.Get(cmd.key)
		if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			return SetResult{err: fmt.Errorf("failed to get previous key: %w", err)}
		} else if !errors.Is(err, storage.ErrKeyNotFound) {
			prevValue = value
			hasPrevValue = true
		}
	}
	// Unpack the previously set value.
	var unpackedPrev unpackedValue
	if hasPrevValue {
		unpacked, err := unpack(prevValue)
		if err != nil {
			return SetResult{err: fmt.Errorf("failed to unpack previous value: %w", err)}
		}
		unpackedPrev = unpacked
		// Tombstones and expired keys should be treated as non-existent for NX/XX checks.
		if unpackedPrev.is(TombStone) || unpackedPrev.isExpired() {
			hasPrevValue = false
		}
	}

	// Build the unpacked value that's going to be set in the storage.
	valueToSet := unpackedValue{value: cmd.value}
	// KEEPTTL only copies the previous key expiry if it exists.
	if cmd.keepTtl && hasPrevValue && unpackedPrev.is(Expirable) && !unpackedPrev.isExpired() {
		valueToSet.opt = Expirable
		valueToSet.expiry = unpackedPrev.expiry
	} else if !cmd.expiryTime.IsZero() {
		valueToSet.opt = Expirable
		valueToSet.expiry = cmd.expiryTime
	}

	// Check whether we can set the value or not.
	couldSet := cmd.existence == noCheck || // Set any way.
		(cmd.existence == ifNotExists && !hasPrevValue) || // NX; Set only if not exists.
		(cmd.existence == ifExists && hasPrevValue) // XX; Set only if exists.
	if couldSet {
		if err := ks.db.Set(cmd.key, valueToSet.pack()); err != nil {
			return SetResult{err: fmt.Errorf("failed to set value: %w", err)}
		}
	}

	// Client wants the previous value returned.
	if cmd.get {
		return SetResult{
			previousValue:    prevValue,
			hasPreviousValue: hasPrevValue,
			couldSet:         couldSet,
			err:              nil,
		}
	}

	return SetResult{couldSet: couldSet, err: nil}
}

func (ks *KiwiStorage) Delete(key []byte) error {
	ks.mux.Lock()
	defer ks.mux.Unlock()
	_, err := ks.db.Swap(key, tombstonePacked)
	return err
}

// IncrBy adds delta to key's integer value, creating it (starting from zero) if absent, and returns the
// resulting total. Counters bypass the TombStone/Expirable envelope entirely - they're stored as plain
// EncodeCounterValue bytes, since an UPSERT's deferred delta can't be finalized against an opaque envelope
// byte it has never seen until a compaction actually surfaces the base statement.
func (ks *KiwiStorage) IncrBy(key []byte, delta int64) (int64, error) {
	ks.mux.Lock()
	defer ks.mux.Unlock()
	return ks.lsm.Upsert(key, delta)
}

// Compact merges the given disk run ids into a single run, see lsm.LSMTree.Compact.
func (ks *KiwiStorage) Compact(partIDs []int64, isLastLevel bool, oldestVLSN uint64) error {
	ks.mux.Lock()
	defer ks.mux.Unlock()
	return ks.lsm.Compact(partIDs, isLastLevel, oldestVLSN)
}

// Scan returns every live, non-expired, non-tombstoned key currently visible in the store. Counters written
// via IncrBy hold a raw 8-byte big-endian integer rather than a packed envelope, so unpack reads its first
// byte as the option byte: a counter whose high byte is 0 comes back as a Regular value holding the remaining
// 7 bytes, good enough to be enumerated by SCAN; a negative counter (high byte 0xFF) reads as a tombstone and
// is not listed.
func (ks *KiwiStorage) Scan() ([]utils.BytePair, error) {
	ks.mux.RLock()
	defer ks.mux.RUnlock()

	stmts, err := ks.lsm.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	pairs := make([]utils.BytePair, 0, len(stmts))
	for _, stmt := range stmts {
		unpacked, err := unpack(stmt.Value)
		if err != nil {
			continue // Malformed values (empty, or too short for their expiry) are skipped rather than surfaced as an error.
		}
		if unpacked.is(TombStone) || unpacked.isExpired() {
			continue
		}
		pairs = append(pairs, utils.BytePair{Key: stmt.Key, Value: unpacked.value})
	}
	return pairs, nil
}

func (ks *KiwiStorage) Close() error {
	ks.mux.Lock()
	defer ks.mux.Unlock()
	return ks.db.Close()
}
