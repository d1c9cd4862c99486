package publisher

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/maxpert/tidemark/encoding"
	"github.com/maxpert/tidemark/hlc"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixPubLog    = "/publog/"    // /publog/{16-digit-zero-padded-seq}
	prefixPubCursor = "/pubcursor/" // /pubcursor/{sinkName}
	prefixPubSeq    = "/pubseq"     // /pubseq -> uint64 (last sequence)
	prefixPubRegion = "/pubregion/" // /pubregion/{regionID} -> uint64 (checkpoint)
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

// Read and cleanup constants
const (
	defaultReadLimit    = 100  // Default limit for ReadFrom
	cleanupIntervalMask = 0x7F // Cleanup every 128 sequences (newSeq & cleanupIntervalMask == 0)
)

// ErrLogClosed is returned by operations on a closed log
var ErrLogClosed = errors.New("publish log is closed")

// PublishLog provides a Pebble-backed append-only log of change events.
// Besides the events it keeps each sink's cursor and the last checkpoint
// captured per region, so a restarted node resumes both ends.
type PublishLog struct {
	db   *pebble.DB
	path string

	// In-memory cursor map for fast lookups
	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	// Last assigned sequence number. Appends are serialized by appendMu.
	lastSeq  atomic.Uint64
	appendMu sync.Mutex

	// Cleanup tracking
	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// NewPublishLog creates or opens a publish log at path
func NewPublishLog(path string) (*PublishLog, error) {
	opts := &pebble.Options{
		// Optimize for sequential writes
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open publish log at %s", path)
	}

	pl := &PublishLog{
		db:      db,
		path:    path,
		cursors: make(map[string]uint64),
	}

	if err := pl.loadLastSeq(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "load sequence number")
	}

	if err := pl.loadCursors(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "load cursors")
	}

	return pl, nil
}

func (pl *PublishLog) getUint64(key string) (uint64, bool, error) {
	val, closer, err := pl.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, false, errors.Newf("invalid value length %d at %s", len(val), key)
	}
	return binary.LittleEndian.Uint64(val), true, nil
}

func uint64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func (pl *PublishLog) loadLastSeq() error {
	seq, _, err := pl.getUint64(prefixPubSeq)
	if err != nil {
		return err
	}
	pl.lastSeq.Store(seq)
	return nil
}

// loadCursors loads all cursors from Pebble into the in-memory map
func (pl *PublishLog) loadCursors() error {
	count := 0
	err := pl.scanPrefix(prefixPubCursor, func(name string, val uint64) {
		pl.cursors[name] = val
		count++
	})
	if err != nil {
		return err
	}
	if count > 0 {
		log.Info().Int("cursors", count).Msg("Loaded publish log cursors")
	}
	return nil
}

func (pl *PublishLog) scanPrefix(prefix string, fn func(suffix string, val uint64)) error {
	lower := []byte(prefix)
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(lower); iter.Valid(); iter.Next() {
		suffix := string(iter.Key()[len(prefix):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return errors.Newf("corrupted value for %s%s: invalid length %d", prefix, suffix, len(val))
		}
		fn(suffix, binary.LittleEndian.Uint64(val))
	}
	return iter.Error()
}

// Append adds events to the log and assigns sequence numbers.
// Note: This function modifies the input events slice by setting SeqNum on each event.
func (pl *PublishLog) Append(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if pl.closed.Load() {
		return ErrLogClosed
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	localSeq := pl.lastSeq.Load()

	batch := pl.db.NewBatch()
	defer batch.Close()

	for i := range events {
		localSeq++
		events[i].SeqNum = localSeq

		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return errors.Wrap(err, "marshal event")
		}
		if err := batch.Set([]byte(formatPubLogKey(localSeq)), val, nil); err != nil {
			return errors.Wrap(err, "write event")
		}
	}

	if err := batch.Set([]byte(prefixPubSeq), uint64Bytes(localSeq), nil); err != nil {
		return errors.Wrap(err, "update sequence")
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "commit batch")
	}

	// Only publish the new sequence after a successful commit
	pl.lastSeq.Store(localSeq)
	return nil
}

// LastSeq returns the sequence number of the newest event
func (pl *PublishLog) LastSeq() uint64 {
	return pl.lastSeq.Load()
}

// ReadFrom reads events starting after cursor, up to limit events
func (pl *PublishLog) ReadFrom(cursor uint64, limit int) ([]Event, error) {
	if pl.closed.Load() {
		return nil, ErrLogClosed
	}

	if limit <= 0 {
		limit = defaultReadLimit
	}

	// Start from cursor + 1 (cursor is the last processed event)
	startKey := []byte(formatPubLogKey(cursor + 1))
	prefix := []byte(prefixPubLog)

	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]Event, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var event Event
		if err := encoding.Unmarshal(val, &event); err != nil {
			// Log and skip corrupted events
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal change event")
			continue
		}

		events = append(events, event)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return events, nil
}

// GetCursor returns the current cursor for a sink
func (pl *PublishLog) GetCursor(sinkName string) (uint64, error) {
	if pl.closed.Load() {
		return 0, ErrLogClosed
	}

	pl.cursorsMu.RLock()
	cursor, exists := pl.cursors[sinkName]
	pl.cursorsMu.RUnlock()

	if exists {
		return cursor, nil
	}

	cursor, found, err := pl.getUint64(prefixPubCursor + sinkName)
	if err != nil || !found {
		return 0, err
	}

	pl.cursorsMu.Lock()
	defer pl.cursorsMu.Unlock()
	// Recheck after acquiring write lock - another goroutine might have populated it
	if existing, exists := pl.cursors[sinkName]; exists {
		return existing, nil
	}
	pl.cursors[sinkName] = cursor
	return cursor, nil
}

// AdvanceCursor updates the cursor for a sink and triggers cleanup periodically
func (pl *PublishLog) AdvanceCursor(sinkName string, newSeq uint64) error {
	if pl.closed.Load() {
		return ErrLogClosed
	}

	pl.cursorsMu.Lock()
	pl.cursors[sinkName] = newSeq
	pl.cursorsMu.Unlock()

	if err := pl.db.Set([]byte(prefixPubCursor+sinkName), uint64Bytes(newSeq), pebble.Sync); err != nil {
		return errors.Wrap(err, "update cursor")
	}

	// Trigger cleanup every 128 sequence numbers using TryLock to prevent goroutine accumulation
	if newSeq&cleanupIntervalMask == 0 {
		if pl.cleanupRunning.CompareAndSwap(false, true) {
			pl.cleanupWg.Add(1)
			go pl.cleanupAsync()
		}
	}

	return nil
}

// SaveCheckpoints records the last checkpoint captured per region. Call it
// only after the events preceding those checkpoints were appended.
func (pl *PublishLog) SaveCheckpoints(checkpoints map[uint64]hlc.Timestamp) error {
	if len(checkpoints) == 0 {
		return nil
	}
	if pl.closed.Load() {
		return ErrLogClosed
	}

	batch := pl.db.NewBatch()
	defer batch.Close()
	for regionID, ts := range checkpoints {
		key := prefixPubRegion + strconv.FormatUint(regionID, 10)
		if err := batch.Set([]byte(key), uint64Bytes(uint64(ts)), nil); err != nil {
			return errors.Wrap(err, "write checkpoint")
		}
	}
	return errors.Wrap(batch.Commit(pebble.Sync), "commit checkpoints")
}

// Checkpoints returns the saved per-region checkpoints
func (pl *PublishLog) Checkpoints() (map[uint64]hlc.Timestamp, error) {
	if pl.closed.Load() {
		return nil, ErrLogClosed
	}
	out := make(map[uint64]hlc.Timestamp)
	var bad error
	err := pl.scanPrefix(prefixPubRegion, func(suffix string, val uint64) {
		id, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			bad = errors.Wrapf(err, "checkpoint key %q", suffix)
			return
		}
		out[id] = hlc.Timestamp(val)
	})
	if err != nil {
		return nil, err
	}
	return out, bad
}

// cleanup deletes old log entries below the minimum cursor.
// This method is safe to call directly (e.g., from tests) and does not use WaitGroup tracking.
func (pl *PublishLog) cleanup() {
	pl.cleanupMu.Lock()
	defer pl.cleanupMu.Unlock()

	if pl.closed.Load() {
		return
	}

	pl.cursorsMu.RLock()
	if len(pl.cursors) == 0 {
		pl.cursorsMu.RUnlock()
		return
	}

	minCursor := uint64(^uint64(0))
	for _, cursor := range pl.cursors {
		if cursor < minCursor {
			minCursor = cursor
		}
	}
	pl.cursorsMu.RUnlock()

	if minCursor == 0 {
		return // Nothing to cleanup
	}

	startKey := []byte(prefixPubLog)
	endKey := []byte(formatPubLogKey(minCursor))

	if err := pl.db.DeleteRange(startKey, endKey, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to cleanup publish log")
		return
	}

	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up publish log entries")
}

// cleanupAsync wraps cleanup with WaitGroup tracking for async execution
func (pl *PublishLog) cleanupAsync() {
	defer pl.cleanupWg.Done()
	defer pl.cleanupRunning.Store(false)
	pl.cleanup()
}

// Close closes the Pebble database and waits for in-flight cleanup goroutines
func (pl *PublishLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return errors.Wrap(ErrLogClosed, "close")
	}

	pl.cleanupWg.Wait()

	if pl.db != nil {
		return pl.db.Close()
	}
	return nil
}

// formatPubLogKey formats a sequence number as a 16-digit zero-padded key
func formatPubLogKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixPubLog, seq)
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
