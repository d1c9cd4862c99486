// Package engine is the node's local MVCC store. It persists what the
// replication feed applies (committed versions, open locks and each
// region's applied position) in Pebble and serves the point-in-time scans
// change capture needs.
package engine

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/encoding"
	"github.com/maxpert/tidemark/hlc"
	"github.com/rs/zerolog/log"
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// ErrClosed is returned by operations on a closed engine
var ErrClosed = errors.New("engine closed")

// Options configure the engine
type Options struct {
	CacheSizeMB int
	SyncWrites  bool
}

// Version is one committed write of a key
type Version struct {
	Key      []byte
	Value    []byte
	Op       common.OpKind
	StartTS  hlc.Timestamp
	CommitTS hlc.Timestamp
}

// AppliedState is a region's position in its replicated log
type AppliedState struct {
	Index uint64        `msgpack:"index"`
	Term  uint64        `msgpack:"term"`
	TS    hlc.Timestamp `msgpack:"ts"`
}

type versionValue struct {
	Op      common.OpKind `msgpack:"op"`
	Value   []byte        `msgpack:"value,omitempty"`
	StartTS hlc.Timestamp `msgpack:"start_ts"`
}

// reader is satisfied by both *pebble.DB and *pebble.Snapshot
type reader interface {
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
	Get(key []byte) ([]byte, io.Closer, error)
}

// Engine is a Pebble-backed MVCC store shared by every region on the node
type Engine struct {
	db        *pebble.DB
	path      string
	writeOpts *pebble.WriteOptions
	cache     *pebble.Cache

	// Serializes Apply so the read-modify-write of locks sees its own writes
	applyMu sync.Mutex
	closed  atomic.Bool
}

// Open creates or opens an engine at path
func Open(path string, opts Options) (*Engine, error) {
	pebbleOpts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	var cache *pebble.Cache
	if opts.CacheSizeMB > 0 {
		cache = pebble.NewCache(int64(opts.CacheSizeMB) << 20)
		pebbleOpts.Cache = cache
	}

	db, err := pebble.Open(path, pebbleOpts)
	if cache != nil {
		// Pebble holds its own reference
		cache.Unref()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open engine at %s", path)
	}

	writeOpts := pebble.NoSync
	if opts.SyncWrites {
		writeOpts = pebble.Sync
	}

	log.Info().Str("path", path).Bool("sync", opts.SyncWrites).Msg("Engine opened")
	return &Engine{db: db, path: path, writeOpts: writeOpts}, nil
}

// Path returns the on-disk location
func (e *Engine) Path() string {
	return e.path
}

// Apply persists one replicated entry. Entries at or below the region's
// applied index are duplicates and return false without writing.
//
// Commit mutations are completed in place: Op and Value are copied from the
// lock they consume, or from the already written version when the commit
// is a redelivery, so the apply observer can build change events.
func (e *Engine) Apply(entry *common.Entry) (bool, error) {
	if e.closed.Load() {
		return false, ErrClosed
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	state, ok, err := e.appliedState(e.db, entry.RegionID)
	if err != nil {
		return false, err
	}
	if ok && entry.Index != 0 && entry.Index <= state.Index {
		return false, nil
	}

	batch := e.db.NewIndexedBatch()
	defer batch.Close()

	for i := range entry.Mutations {
		m := &entry.Mutations[i]
		switch m.Kind {
		case common.MutationPrewrite:
			err = e.applyPrewrite(batch, m)
		case common.MutationCommit:
			err = e.applyCommit(batch, m)
		case common.MutationRollback:
			err = e.applyRollback(batch, m)
		default:
			err = errors.Newf("unknown mutation kind %d", m.Kind)
		}
		if err != nil {
			return false, errors.Wrapf(err, "region %d index %d key %q", entry.RegionID, entry.Index, m.Key)
		}
	}

	next := AppliedState{Index: entry.Index, Term: entry.Term, TS: hlc.MaxOf(state.TS, entry.TS)}
	val, err := encoding.Marshal(&next)
	if err != nil {
		return false, err
	}
	if err := batch.Set(appliedKey(entry.RegionID), val, nil); err != nil {
		return false, err
	}

	if err := batch.Commit(e.writeOpts); err != nil {
		return false, errors.Wrap(err, "commit apply batch")
	}
	return true, nil
}

func (e *Engine) applyPrewrite(batch *pebble.Batch, m *common.Mutation) error {
	if m.Op == 0 {
		m.Op = common.OpPut
	}
	val, err := encoding.Marshal(&common.Lock{Key: m.Key, StartTS: m.StartTS, Op: m.Op, Value: m.Value})
	if err != nil {
		return err
	}
	return batch.Set(lockKey(m.Key, m.StartTS), val, nil)
}

func (e *Engine) applyCommit(batch *pebble.Batch, m *common.Mutation) error {
	lk := lockKey(m.Key, m.StartTS)
	var lock common.Lock
	found, err := getDecoded(batch, lk, &lock)
	if err != nil {
		return err
	}

	if found {
		m.Op, m.Value = lock.Op, lock.Value
		if err := batch.Delete(lk, nil); err != nil {
			return err
		}
	} else {
		var existing versionValue
		dup, err := getDecoded(batch, dataKey(m.Key, m.CommitTS), &existing)
		if err != nil {
			return err
		}
		if dup {
			m.Op, m.Value = existing.Op, existing.Value
			return nil
		}
		if m.Op == 0 {
			// Nothing to write; the observer decides whether this is a
			// redelivery or an ordering fault.
			return nil
		}
	}

	val, err := encoding.Marshal(&versionValue{Op: m.Op, Value: m.Value, StartTS: m.StartTS})
	if err != nil {
		return err
	}
	return batch.Set(dataKey(m.Key, m.CommitTS), val, nil)
}

func (e *Engine) applyRollback(batch *pebble.Batch, m *common.Mutation) error {
	return batch.Delete(lockKey(m.Key, m.StartTS), nil)
}

// AppliedState returns the region's applied position
func (e *Engine) AppliedState(regionID uint64) (AppliedState, bool, error) {
	if e.closed.Load() {
		return AppliedState{}, false, ErrClosed
	}
	return e.appliedState(e.db, regionID)
}

func (e *Engine) appliedState(r reader, regionID uint64) (AppliedState, bool, error) {
	var state AppliedState
	ok, err := getDecoded(r, appliedKey(regionID), &state)
	return state, ok, err
}

// SetAppliedState records a region's applied position, used when a region
// is created by a split and inherits its parent's position.
func (e *Engine) SetAppliedState(regionID uint64, state AppliedState) error {
	if e.closed.Load() {
		return ErrClosed
	}
	val, err := encoding.Marshal(&state)
	if err != nil {
		return err
	}
	return e.db.Set(appliedKey(regionID), val, e.writeOpts)
}

// ScanLocks returns the open locks with keys in the region's range
func (e *Engine) ScanLocks(region common.Region) ([]common.Lock, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return scanLocks(e.db, region)
}

// Get returns the newest visible version of key at or below ts
func (e *Engine) Get(key []byte, ts hlc.Timestamp) (Version, bool, error) {
	if e.closed.Load() {
		return Version{}, false, ErrClosed
	}
	return getAt(e.db, key, ts)
}

// NewSnapshot pins a point-in-time view of the store. The caller must
// Close it.
func (e *Engine) NewSnapshot() (*Snapshot, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return &Snapshot{snap: e.db.NewSnapshot()}, nil
}

// Export streams every key of the store to w. It is the payload of a
// replication snapshot.
func (e *Engine) Export(w io.Writer) error {
	if e.closed.Load() {
		return ErrClosed
	}

	snap := e.db.NewSnapshot()
	defer snap.Close()
	return export(snap, w)
}

// Export streams every key visible in the snapshot to w
func (s *Snapshot) Export(w io.Writer) error {
	return export(s.snap, w)
}

func export(r reader, w io.Writer) error {
	iter, err := r.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()

	enc := encoding.NewEncoder(w)
	var count int
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := enc.Encode(&exportRecord{Key: iter.Key(), Value: val}); err != nil {
			return errors.Wrap(err, "write export record")
		}
		count++
	}
	if err := iter.Error(); err != nil {
		return err
	}

	log.Debug().Int("keys", count).Msg("Engine exported")
	return nil
}

type exportRecord struct {
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

// Import replaces the store's contents with an Export stream
func (e *Engine) Import(r io.Reader) error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	batch := e.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange([]byte{0x00}, []byte{0xff, 0xff}, nil); err != nil {
		return err
	}

	dec := encoding.NewDecoder(r)
	var count int
	for {
		var rec exportRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read export record")
		}
		if err := batch.Set(rec.Key, rec.Value, nil); err != nil {
			return err
		}
		count++
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "commit import batch")
	}

	log.Info().Int("keys", count).Msg("Engine restored from snapshot")
	return nil
}

// Close closes the engine
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	return e.db.Close()
}

// Snapshot is a point-in-time view of the engine
type Snapshot struct {
	snap *pebble.Snapshot
	once sync.Once
}

// Close releases the snapshot
func (s *Snapshot) Close() error {
	var err error
	s.once.Do(func() { err = s.snap.Close() })
	return err
}

// Scan visits the newest version of every live key in the region's range,
// in key order. Keys whose newest version is a delete are skipped.
func (s *Snapshot) Scan(ctx context.Context, region common.Region, fn func(Version) error) error {
	lower, upper := rangeBounds(prefixData, region.StartKey, region.EndKey)
	iter, err := s.snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	var lastKey []byte
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, commitTS, err := decodeDataKey(iter.Key())
		if err != nil {
			return err
		}
		if lastKey != nil && bytes.Equal(key, lastKey) {
			// Older version of a key already visited
			continue
		}
		lastKey = key

		v, err := decodeVersion(iter, key, commitTS)
		if err != nil {
			return err
		}
		if v.Op != common.OpPut {
			continue
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return iter.Error()
}

// ScanIncremental returns every version in the region's range committed
// after from, deletes included, sorted by commit ts and then key.
func (s *Snapshot) ScanIncremental(ctx context.Context, region common.Region, from hlc.Timestamp) ([]Version, error) {
	lower, upper := rangeBounds(prefixData, region.StartKey, region.EndKey)
	iter, err := s.snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Version
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, commitTS, err := decodeDataKey(iter.Key())
		if err != nil {
			return nil, err
		}
		if commitTS <= from {
			continue
		}
		v, err := decodeVersion(iter, key, commitTS)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CommitTS != out[j].CommitTS {
			return out[i].CommitTS < out[j].CommitTS
		}
		return bytes.Compare(out[i].Key, out[j].Key) < 0
	})
	return out, nil
}

// AppliedState returns the region's applied position as of the snapshot
func (s *Snapshot) AppliedState(regionID uint64) (AppliedState, bool, error) {
	var state AppliedState
	ok, err := getDecoded(s.snap, appliedKey(regionID), &state)
	return state, ok, err
}

// ScanLocks returns the locks open at the snapshot in the region's range
func (s *Snapshot) ScanLocks(region common.Region) ([]common.Lock, error) {
	return scanLocks(s.snap, region)
}

// Get returns the newest visible version of key at or below ts
func (s *Snapshot) Get(key []byte, ts hlc.Timestamp) (Version, bool, error) {
	return getAt(s.snap, key, ts)
}

func scanLocks(r reader, region common.Region) ([]common.Lock, error) {
	lower, upper := rangeBounds(prefixLock, region.StartKey, region.EndKey)
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var locks []common.Lock
	for iter.First(); iter.Valid(); iter.Next() {
		if _, _, err := decodeLockKey(iter.Key()); err != nil {
			return nil, err
		}
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var lock common.Lock
		if err := encoding.Unmarshal(val, &lock); err != nil {
			return nil, errors.Wrap(err, "decode lock")
		}
		locks = append(locks, lock)
	}
	return locks, iter.Error()
}

func getAt(r reader, key []byte, ts hlc.Timestamp) (Version, bool, error) {
	prefix := dataKeyPrefix(key)
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return Version{}, false, err
	}
	defer iter.Close()

	if !iter.SeekGE(dataKey(key, ts)) {
		return Version{}, false, iter.Error()
	}
	_, commitTS, err := decodeDataKey(iter.Key())
	if err != nil {
		return Version{}, false, err
	}
	v, err := decodeVersion(iter, key, commitTS)
	if err != nil {
		return Version{}, false, err
	}
	if v.Op != common.OpPut {
		return Version{}, false, nil
	}
	return v, true, nil
}

func decodeVersion(iter *pebble.Iterator, key []byte, commitTS hlc.Timestamp) (Version, error) {
	val, err := iter.ValueAndErr()
	if err != nil {
		return Version{}, err
	}
	var vv versionValue
	if err := encoding.Unmarshal(val, &vv); err != nil {
		return Version{}, errors.Wrapf(err, "decode version of %q", key)
	}
	return Version{Key: key, Value: vv.Value, Op: vv.Op, StartTS: vv.StartTS, CommitTS: commitTS}, nil
}

func getDecoded(r reader, key []byte, v interface{}) (bool, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()

	if err := encoding.Unmarshal(val, v); err != nil {
		return false, errors.Wrapf(err, "decode %q", key)
	}
	return true, nil
}
