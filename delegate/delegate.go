// Package delegate owns one region's change capture: its lock tracker and
// resolver, the buffer that holds applied events until the resolved ts
// passes them, the rewind window used for resume, and the region's
// subscribers with their snapshot scans.
package delegate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/engine"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/resolver"
	"github.com/maxpert/tidemark/sink"
	"github.com/maxpert/tidemark/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// State is the delegate's lifecycle position
type State int32

const (
	StateUninitialized State = iota
	StateScanningSnapshot
	StateInitialized
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateScanningSnapshot:
		return "scanning"
	case StateInitialized:
		return "initialized"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Source hands out point-in-time views of the store
type Source interface {
	NewSnapshot() (*engine.Snapshot, error)
}

// Conn is the subscriber side of a region stream. *sink.Conn implements it.
type Conn interface {
	ID() uint64
	Attach(regionID uint64, epoch common.Epoch, detach func()) error
	Push(ctx context.Context, ev sink.Event) error
	TryPush(ev sink.Event) error
	End(regionID uint64, err error)
}

// Options configure delegates
type Options struct {
	RollbackPolicy    cfg.RollbackPolicy
	WindowEvents      int
	ReleasedLockCache int
	// ScanRate bounds keys per second pushed by each scan; zero is unlimited
	ScanRate  rate.Limit
	ScanBurst int
	// Backlog bounds events held per subscriber while its conn queue is
	// full; past it the subscriber's stream ends with an overflow
	Backlog int
}

// OptionsFromConfig builds delegate options from the configuration
func OptionsFromConfig(c *cfg.Configuration) Options {
	opts := Options{
		RollbackPolicy:    c.CDC.RollbackPolicy,
		WindowEvents:      c.CDC.RewindWindowEvents,
		ReleasedLockCache: c.CDC.ReleasedLockCache,
		ScanRate:          rate.Inf,
		ScanBurst:         c.Scan.Burst,
		Backlog:           c.Sink.QueueCapacity,
	}
	if c.Scan.KeysPerSecond > 0 {
		opts.ScanRate = rate.Limit(c.Scan.KeysPerSecond)
	}
	return opts
}

// Seed is the starting point of a delegate
type Seed struct {
	Region       common.Region
	AppliedTS    hlc.Timestamp
	AppliedIndex uint64
	// Locks open in the region when the delegate is created
	Locks []common.Lock
	// Resolved carries a previous resolved ts over, zero for a new region
	Resolved hlc.Timestamp
}

// Delegate is the change capture state of one region on this node.
//
// mu serializes apply, release and subscription changes. The resolver and
// the applied ts are atomics so the advancer reads them without mu.
type Delegate struct {
	regionID uint64
	source   Source
	opts     Options

	tracker *resolver.LockTracker
	current atomic.Pointer[resolver.Resolver]

	// lifeMu is held shared by Advance and exclusively by split and merge,
	// which swap the resolver.
	lifeMu sync.RWMutex

	appliedTS atomic.Uint64
	state     atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	region       common.Region
	appliedIndex uint64
	seq          uint64
	releasedTS   hlc.Timestamp
	buffer       *eventBuffer
	window       *rewindWindow
	subs         map[uint64]*subscription
	stopErr      error
	createdAt    time.Time
}

// New creates a delegate for seed.Region
func New(seed Seed, source Source, opts Options) *Delegate {
	tracker := resolver.NewLockTracker(opts.ReleasedLockCache)
	tracker.Seed(seed.Locks)
	return newDelegate(seed.Region, tracker, seed.Resolved, seed.AppliedTS, seed.AppliedIndex,
		newRewindWindow(opts.WindowEvents, seed.AppliedTS), source, opts)
}

func newDelegate(
	region common.Region,
	tracker *resolver.LockTracker,
	resolved, appliedTS hlc.Timestamp,
	appliedIndex uint64,
	window *rewindWindow,
	source Source,
	opts Options,
) *Delegate {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Delegate{
		regionID:     region.ID,
		source:       source,
		opts:         opts,
		tracker:      tracker,
		ctx:          ctx,
		cancel:       cancel,
		region:       region.Clone(),
		appliedIndex: appliedIndex,
		releasedTS:   resolved,
		buffer:       newEventBuffer(),
		window:       window,
		subs:         make(map[uint64]*subscription),
		createdAt:    time.Now(),
	}
	d.current.Store(resolver.NewResolver(tracker, resolved))
	d.appliedTS.Store(uint64(appliedTS))
	return d
}

func (d *Delegate) res() *resolver.Resolver {
	return d.current.Load()
}

// RegionID returns the region's id
func (d *Delegate) RegionID() uint64 {
	return d.regionID
}

// Region returns a copy of the region descriptor
func (d *Delegate) Region() common.Region {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.region.Clone()
}

// State returns the lifecycle state
func (d *Delegate) State() State {
	return State(d.state.Load())
}

// Resolved returns the resolved ts
func (d *Delegate) Resolved() hlc.Timestamp {
	return d.res().Resolved()
}

// AppliedTS returns the largest apply ts observed
func (d *Delegate) AppliedTS() hlc.Timestamp {
	return hlc.Timestamp(d.appliedTS.Load())
}

// AppliedIndex returns the last applied log index
func (d *Delegate) AppliedIndex() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appliedIndex
}

// Resolver exposes the region's resolver for diagnostics
func (d *Delegate) Resolver() *resolver.Resolver {
	return d.res()
}

// Apply observes one committed log entry. Entries must arrive in log
// order; an entry at or below the applied index is a redelivery and is
// ignored. A returned error satisfying common.IsFatalForDelegate means the
// delegate can no longer vouch for its resolved ts and must be rebuilt.
func (d *Delegate) Apply(entry *common.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == StateStopped {
		return errors.Wrapf(common.ErrDelegateStopped, "region %d", d.region.ID)
	}
	if !entry.Epoch.IsZero() && !entry.Epoch.Equal(d.region.Epoch) {
		return errors.Wrapf(common.ErrRegionEpochMismatch,
			"region %d entry epoch %s, delegate epoch %s", d.region.ID, entry.Epoch, d.region.Epoch)
	}
	if entry.Index != 0 && entry.Index <= d.appliedIndex {
		return nil
	}

	for i := range entry.Mutations {
		m := &entry.Mutations[i]
		if !d.region.ContainsKey(m.Key) {
			return errors.Wrapf(common.ErrRegionEpochMismatch,
				"region %d key %q outside %s", d.region.ID, m.Key, d.region)
		}
		if err := d.applyMutationLocked(entry.Index, m); err != nil {
			return err
		}
	}

	if entry.Index != 0 {
		d.appliedIndex = entry.Index
	}
	if entry.TS > d.AppliedTS() {
		d.appliedTS.Store(uint64(entry.TS))
	}
	telemetry.AppliedEntriesTotal.Inc()
	return nil
}

func (d *Delegate) applyMutationLocked(index uint64, m *common.Mutation) error {
	resolved := d.res().Resolved()

	switch m.Kind {
	case common.MutationPrewrite:
		if !resolved.IsZero() && m.StartTS < resolved {
			return errors.Wrapf(common.ErrLockBelowResolved,
				"region %d prewrite of %q at %s, resolved %s", d.region.ID, m.Key, m.StartTS, resolved)
		}
		d.tracker.ObserveLock(m.StartTS, m.Key)

	case common.MutationCommit:
		if !d.tracker.ObserveUnlock(m.StartTS, m.Key) {
			if d.tracker.WasReleased(m.StartTS, m.Key) {
				telemetry.DuplicateUnlocksTotal.Inc()
				log.Debug().
					Err(common.ErrDuplicateUnlock).
					Uint64("region_id", d.region.ID).
					Stringer("start_ts", m.StartTS).
					Msg("Ignoring redelivered commit")
				return nil
			}
			return errors.Wrapf(common.ErrApplyOrderViolation,
				"region %d commit of %q start %s commit %s without a prewrite",
				d.region.ID, m.Key, m.StartTS, m.CommitTS)
		}
		if m.CommitTS <= resolved {
			return errors.Wrapf(common.ErrApplyOrderViolation,
				"region %d commit of %q at %s not above resolved %s", d.region.ID, m.Key, m.CommitTS, resolved)
		}
		op := m.Op
		if op == 0 {
			op = common.OpPut
		}
		d.bufferLocked(index, m.CommitTS, common.ChangeEvent{
			RegionID: d.region.ID,
			Key:      m.Key,
			Value:    m.Value,
			Op:       op,
			StartTS:  m.StartTS,
			CommitTS: m.CommitTS,
		})

	case common.MutationRollback:
		// Unknown pairs are redeliveries or rollbacks of locks that never
		// reached this region; both are harmless.
		if !d.tracker.ObserveUnlock(m.StartTS, m.Key) {
			return nil
		}
		if d.opts.RollbackPolicy != cfg.RollbackEmit {
			return nil
		}
		// A checkpoint at the lock's start ts may already be out
		orderTS := hlc.MaxOf(m.StartTS, d.releasedTS.Next())
		d.bufferLocked(index, orderTS, common.ChangeEvent{
			RegionID: d.region.ID,
			Key:      m.Key,
			Op:       common.OpRollback,
			StartTS:  m.StartTS,
		})

	default:
		return errors.AssertionFailedf("unknown mutation kind %d", m.Kind)
	}
	return nil
}

func (d *Delegate) bufferLocked(index uint64, orderTS hlc.Timestamp, ev common.ChangeEvent) {
	d.seq++
	d.buffer.add(pending{orderTS: orderTS, seq: d.seq, index: index, ev: ev})
}

// Advance recomputes the resolved ts against the in-memory lock floor
// (zero when none) and, when it moved, releases buffered events and
// checkpoints the subscribers.
func (d *Delegate) Advance(floor hlc.Timestamp) (hlc.Timestamp, resolver.Outcome) {
	if d.State() == StateStopped {
		return d.res().Resolved(), resolver.OutcomeHeld
	}

	d.lifeMu.RLock()
	ts, outcome := d.res().Advance(d.AppliedTS(), floor)
	d.lifeMu.RUnlock()

	if outcome == resolver.OutcomeAdvanced {
		d.mu.Lock()
		d.releaseLocked()
		d.mu.Unlock()
	}
	return ts, outcome
}

// Stop ends every subscription with err and stops the delegate
func (d *Delegate) Stop(err error) {
	// Abort scans and backlog flushes before taking mu
	d.cancel()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked(err)
}

func (d *Delegate) stopLocked(err error) {
	if d.State() == StateStopped {
		return
	}
	d.cancel()
	d.state.Store(int32(StateStopped))
	d.stopErr = err
	for id, sub := range d.subs {
		sub.close()
		sub.conn.End(d.region.ID, err)
		delete(d.subs, id)
	}
	d.buffer.clear()

	log.Debug().
		Uint64("region_id", d.region.ID).
		Stringer("resolved_ts", d.res().Resolved()).
		Err(err).
		Msg("Delegate stopped")
}

// StopErr returns the error the delegate was stopped with
func (d *Delegate) StopErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopErr
}

// Stats is a point-in-time view of a delegate
type Stats struct {
	RegionID     uint64        `json:"region_id"`
	Epoch        string        `json:"epoch"`
	State        string        `json:"state"`
	ResolvedTS   hlc.Timestamp `json:"resolved_ts"`
	AppliedTS    hlc.Timestamp `json:"applied_ts"`
	AppliedIndex uint64        `json:"applied_index"`
	Locks        int           `json:"locks"`
	Txns         int           `json:"txns"`
	Buffered     int           `json:"buffered"`
	WindowEvents int           `json:"window_events"`
	WindowFloor  hlc.Timestamp `json:"window_floor"`
	Subscribers  int           `json:"subscribers"`
	Scanning     int           `json:"scanning"`
	Backlogged   int           `json:"backlogged"`
	StalledFor   time.Duration `json:"stalled_for"`
	Regressions  uint64        `json:"regressions"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Stats returns the delegate's counters
func (d *Delegate) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	scanning, backlogged := 0, 0
	for _, sub := range d.subs {
		if sub.phase == phaseScanning {
			scanning++
		}
		backlogged += sub.backlogLen()
	}
	return Stats{
		RegionID:     d.region.ID,
		Epoch:        d.region.Epoch.String(),
		State:        d.State().String(),
		ResolvedTS:   d.res().Resolved(),
		AppliedTS:    d.AppliedTS(),
		AppliedIndex: d.appliedIndex,
		Locks:        d.tracker.Len(),
		Txns:         d.tracker.NumTxns(),
		Buffered:     d.buffer.len(),
		WindowEvents: d.window.len(),
		WindowFloor:  d.window.floor,
		Subscribers:  len(d.subs),
		Scanning:     scanning,
		Backlogged:   backlogged,
		StalledFor:   d.res().StalledFor(),
		Regressions:  d.res().Regressions(),
		CreatedAt:    d.createdAt,
	}
}

// Diagnosis explains why a region's resolved ts is not moving
type Diagnosis struct {
	// Cause is "lock" (an open lock pins the resolved ts), "scanning" (a
	// subscriber scan is running), "applied" (no entry applied past the
	// resolved ts) or "floor" (an in-memory lock pins it)
	Cause       string        `json:"cause"`
	OldestLock  *common.Lock  `json:"oldest_lock,omitempty"`
	ScanningFor time.Duration `json:"scanning_for,omitempty"`
	ResolvedTS  hlc.Timestamp `json:"resolved_ts"`
	AppliedTS   hlc.Timestamp `json:"applied_ts"`
}

// Diagnose inspects the delegate for the usual stall causes
func (d *Delegate) Diagnose() Diagnosis {
	diag := Diagnosis{
		Cause:      "floor",
		ResolvedTS: d.res().Resolved(),
		AppliedTS:  d.AppliedTS(),
	}

	if oldest := d.tracker.Oldest(1); len(oldest) == 1 {
		lock := oldest[0]
		diag.OldestLock = &lock
		if lock.StartTS <= diag.ResolvedTS.Next() {
			diag.Cause = "lock"
			return diag
		}
	}

	d.mu.Lock()
	var since time.Time
	for _, sub := range d.subs {
		if sub.phase == phaseScanning && (since.IsZero() || sub.startedAt.Before(since)) {
			since = sub.startedAt
		}
	}
	d.mu.Unlock()

	switch {
	case !since.IsZero():
		diag.Cause = "scanning"
		diag.ScanningFor = time.Since(since)
	case diag.AppliedTS <= diag.ResolvedTS:
		diag.Cause = "applied"
	}
	return diag
}
