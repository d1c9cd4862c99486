package delegate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/engine"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/sink"
	"github.com/maxpert/tidemark/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type phase uint8

const (
	phaseScanning phase = iota
	phaseLive
)

// Scan kinds, also the ScanDurationSeconds label
const (
	scanSnapshot    = "snapshot"
	scanIncremental = "incremental"
)

// Request asks for a region's change stream
type Request struct {
	RegionID uint64
	// Epoch must match the region's when set
	Epoch common.Epoch
	// ResumeTS is the last checkpoint the subscriber saw, zero for a fresh
	// stream starting with a snapshot of the region
	ResumeTS hlc.Timestamp
}

// ScanResult reports how a subscription caught up
type ScanResult struct {
	// Path is "snapshot", "incremental" or "window"
	Path string
	Keys int
}

// defaultBacklog applies when Options.Backlog is unset
const defaultBacklog = 4096

var errBacklogFull = errors.New("subscriber backlog full")

type subscription struct {
	conn  Conn
	phase phase

	// For scanned subscriptions, events from entries at or below barrier
	// are part of the scan.
	scanned bool
	barrier uint64
	// Events at or below resumeTS were already delivered before.
	resumeTS hlc.Timestamp
	// Released events held back while scanning
	pending []pending

	// lastCheckpoint is the newest checkpoint the conn accepted
	lastCheckpoint atomic.Uint64
	startedAt      time.Time
	ctx            context.Context
	cancel         context.CancelFunc
	promise        *future.Promise[ScanResult]

	// outMu guards the events the conn had no room for. While backlog is
	// non-empty its flush goroutine owns delivery and backlog[0] is in
	// flight.
	outMu   sync.Mutex
	backlog []sink.Event
	closed  bool
}

// send hands ev to the conn without waiting. It reports whether a flush
// goroutine must be started for a backlog that was empty.
func (s *subscription) send(ev sink.Event, limit int) (bool, error) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	if s.closed {
		return false, context.Canceled
	}
	if len(s.backlog) == 0 {
		err := s.conn.TryPush(ev)
		if err == nil {
			s.sentLocked(ev)
			return false, nil
		}
		if !errors.Is(err, sink.ErrQueueFull) {
			return false, err
		}
	}
	if len(s.backlog) >= limit {
		return false, errBacklogFull
	}
	s.backlog = append(s.backlog, ev)
	return len(s.backlog) == 1, nil
}

// head returns the event the flush goroutine should push next
func (s *subscription) head() (sink.Event, bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.closed || len(s.backlog) == 0 {
		return sink.Event{}, false
	}
	return s.backlog[0], true
}

// pop retires the head after the conn accepted it and returns the next
// one. A false return ends the flush goroutine; the next send into the
// empty backlog starts another.
func (s *subscription) pop() (sink.Event, bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.closed || len(s.backlog) == 0 {
		return sink.Event{}, false
	}
	s.sentLocked(s.backlog[0])
	s.backlog[0] = sink.Event{}
	s.backlog = s.backlog[1:]
	if len(s.backlog) == 0 {
		s.backlog = nil
		return sink.Event{}, false
	}
	return s.backlog[0], true
}

func (s *subscription) sentLocked(ev sink.Event) {
	if ev.Kind == sink.KindCheckpoint {
		s.lastCheckpoint.Store(uint64(ev.ResolvedTS))
	}
}

func (s *subscription) backlogLen() int {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return len(s.backlog)
}

// close discards the backlog and stops the scan and flush goroutines. The
// subscriber resumes from the last checkpoint the conn accepted.
func (s *subscription) close() {
	s.outMu.Lock()
	s.closed = true
	s.backlog = nil
	s.outMu.Unlock()
	s.cancel()
}

func (s *subscription) wants(p pending) bool {
	if s.scanned && p.index <= s.barrier {
		return false
	}
	return p.orderTS > s.resumeTS
}

// Subscribe attaches conn to the region's stream.
//
// A fresh request scans the region at a snapshot and emits one Put per
// live key. A resume within the rewind window replays the window; an
// older resume scans the versions committed after ResumeTS. Either way the
// scan output is followed by the events applied after the snapshot, an
// Initialized marker and the current checkpoint. The returned future
// completes when the subscriber is caught up.
func (d *Delegate) Subscribe(conn Conn, req Request) (*future.Future[ScanResult], error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == StateStopped {
		return nil, errors.Wrapf(common.ErrDelegateStopped, "region %d", d.region.ID)
	}
	if req.RegionID != 0 && req.RegionID != d.region.ID {
		return nil, errors.Wrapf(common.ErrRegionNotFound, "delegate serves region %d, not %d", d.region.ID, req.RegionID)
	}
	if !req.Epoch.IsZero() && !req.Epoch.Equal(d.region.Epoch) {
		return nil, errors.Wrapf(common.ErrRegionEpochMismatch,
			"region %d request epoch %s, current %s", d.region.ID, req.Epoch, d.region.Epoch)
	}

	ctx, cancel := context.WithCancel(d.ctx)
	sub := &subscription{
		conn:      conn,
		resumeTS:  req.ResumeTS,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		promise:   future.NewPromise[ScanResult](),
	}
	sub.lastCheckpoint.Store(uint64(req.ResumeTS))

	regionID := d.region.ID
	connID := conn.ID()
	detach := func() {
		// Runs on the conn's goroutine, possibly while a send holds mu
		cancel()
		go d.unsubscribe(connID, sub, nil)
	}
	if err := conn.Attach(regionID, d.region.Epoch, detach); err != nil {
		cancel()
		return nil, err
	}
	d.subs[connID] = sub

	if !req.ResumeTS.IsZero() && d.window.covers(req.ResumeTS) {
		return d.replayWindowLocked(sub), nil
	}

	snap, err := d.source.NewSnapshot()
	if err != nil {
		delete(d.subs, connID)
		cancel()
		conn.End(regionID, err)
		return nil, errors.Wrapf(err, "snapshot region %d", regionID)
	}
	state, _, err := snap.AppliedState(regionID)
	if err != nil {
		snap.Close()
		delete(d.subs, connID)
		cancel()
		conn.End(regionID, err)
		return nil, errors.Wrapf(err, "read applied state of region %d", regionID)
	}

	sub.phase = phaseScanning
	sub.scanned = true
	sub.barrier = state.Index
	if d.State() == StateUninitialized {
		d.state.Store(int32(StateScanningSnapshot))
	}

	kind := scanSnapshot
	if !req.ResumeTS.IsZero() {
		kind = scanIncremental
	}
	telemetry.ResumesTotal.With(kind).Inc()

	log.Debug().
		Uint64("region_id", regionID).
		Uint64("conn_id", connID).
		Str("kind", kind).
		Uint64("barrier_index", sub.barrier).
		Stringer("resume_ts", req.ResumeTS).
		Msg("Subscriber scanning")

	go d.runScan(ctx, sub, snap, d.region.Clone(), kind)
	return sub.promise.Future(), nil
}

func (d *Delegate) replayWindowLocked(sub *subscription) *future.Future[ScanResult] {
	telemetry.ResumesTotal.With("window").Inc()
	events := d.window.since(sub.resumeTS)
	for _, p := range events {
		if err := d.sendLocked(sub, sink.ChangeOf(p.ev)); err != nil {
			sub.promise.Set(ScanResult{}, err)
			return sub.promise.Future()
		}
	}
	sub.phase = phaseLive
	if err := d.goLiveLocked(sub); err != nil {
		sub.promise.Set(ScanResult{}, err)
		return sub.promise.Future()
	}
	sub.promise.Set(ScanResult{Path: "window", Keys: len(events)}, nil)
	return sub.promise.Future()
}

func (d *Delegate) newLimiter() *rate.Limiter {
	burst := d.opts.ScanBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(d.opts.ScanRate, burst)
}

func (d *Delegate) runScan(ctx context.Context, sub *subscription, snap *engine.Snapshot, region common.Region, kind string) {
	defer snap.Close()

	start := time.Now()
	limiter := d.newLimiter()
	keys := 0
	emit := func(v engine.Version) error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		ev := common.ChangeEvent{
			RegionID: region.ID,
			Key:      v.Key,
			Value:    v.Value,
			Op:       v.Op,
			StartTS:  v.StartTS,
			CommitTS: v.CommitTS,
		}
		if err := sub.conn.Push(ctx, sink.ChangeOf(ev)); err != nil {
			return err
		}
		keys++
		return nil
	}

	var err error
	if kind == scanSnapshot {
		err = snap.Scan(ctx, region, emit)
	} else {
		var versions []engine.Version
		versions, err = snap.ScanIncremental(ctx, region, sub.resumeTS)
		for _, v := range versions {
			if err != nil {
				break
			}
			err = emit(v)
		}
	}

	telemetry.ScanDurationSeconds.With(kind).Observe(time.Since(start).Seconds())
	telemetry.ScanKeysTotal.Add(float64(keys))

	d.finishScan(sub, kind, keys, err)
}

func (d *Delegate) finishScan(sub *subscription, kind string, keys int, scanErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	connID := sub.conn.ID()
	if d.subs[connID] != sub {
		// Unsubscribed or stopped while scanning
		if scanErr == nil {
			scanErr = context.Canceled
		}
		sub.promise.Set(ScanResult{}, scanErr)
		return
	}

	if scanErr != nil {
		log.Warn().
			Err(scanErr).
			Uint64("region_id", d.region.ID).
			Uint64("conn_id", connID).
			Str("kind", kind).
			Msg("Subscriber scan failed")
		d.endSubLocked(sub, scanErr)
		sub.promise.Set(ScanResult{}, scanErr)
		return
	}

	for _, p := range sub.pending {
		if err := d.sendLocked(sub, sink.ChangeOf(p.ev)); err != nil {
			sub.promise.Set(ScanResult{}, err)
			return
		}
	}
	sub.pending = nil
	sub.phase = phaseLive

	if err := d.goLiveLocked(sub); err != nil {
		sub.promise.Set(ScanResult{}, err)
		return
	}
	if d.State() == StateScanningSnapshot {
		d.state.Store(int32(StateInitialized))
	}

	log.Debug().
		Uint64("region_id", d.region.ID).
		Uint64("conn_id", connID).
		Str("kind", kind).
		Int("keys", keys).
		Dur("took", time.Since(sub.startedAt)).
		Msg("Subscriber initialized")
	sub.promise.Set(ScanResult{Path: kind, Keys: keys}, nil)
}

// goLiveLocked sends the Initialized marker and the current checkpoint
func (d *Delegate) goLiveLocked(sub *subscription) error {
	if err := d.sendLocked(sub, sink.InitializedOf(d.region.ID)); err != nil {
		return err
	}
	if d.releasedTS.IsZero() || d.releasedTS <= sub.resumeTS {
		return nil
	}
	return d.sendLocked(sub, sink.CheckpointOf(d.region.ID, d.releasedTS))
}

// sendLocked queues ev for sub without waiting on the subscriber. Events
// the conn has no room for wait in the subscription's backlog, drained by
// its own goroutine, so apply and advance never block on a slow reader.
// On error sub is already gone: ended when the backlog overflowed,
// dropped when the conn refused the event.
func (d *Delegate) sendLocked(sub *subscription, ev sink.Event) error {
	limit := d.opts.Backlog
	if limit <= 0 {
		limit = defaultBacklog
	}
	start, err := sub.send(ev, limit)
	switch {
	case err == nil:
		if start {
			go d.flush(sub)
		}
		return nil
	case errors.Is(err, errBacklogFull):
		err = errors.Wrapf(common.ErrSubscriberOverflow,
			"region %d conn %d backlog of %d events", d.region.ID, sub.conn.ID(), limit)
		telemetry.SinkOverflowsTotal.Inc()
		log.Warn().
			Uint64("region_id", d.region.ID).
			Uint64("conn_id", sub.conn.ID()).
			Int("backlog", limit).
			Msg("Subscriber backlog full, ending stream")
		d.endSubLocked(sub, err)
	default:
		d.dropSubLocked(sub, err)
	}
	return err
}

// flush pushes sub's backlog in order, waiting on the conn as its
// overflow policy says
func (d *Delegate) flush(sub *subscription) {
	ev, ok := sub.head()
	for ok {
		if err := sub.conn.Push(sub.ctx, ev); err != nil {
			d.mu.Lock()
			d.dropSubLocked(sub, err)
			d.mu.Unlock()
			return
		}
		ev, ok = sub.pop()
	}
}

// releaseLocked moves every buffered event at or below the resolved ts into
// the window, hands it to the subscribers and checkpoints them
func (d *Delegate) releaseLocked() {
	ts := d.res().Resolved()
	if ts <= d.releasedTS || d.State() == StateStopped {
		return
	}

	released := d.buffer.releaseThrough(ts)
	for _, p := range released {
		d.window.add(p)
	}
	d.releasedTS = ts

	for _, sub := range d.subs {
		d.deliverLocked(sub, released, ts)
	}
}

func (d *Delegate) deliverLocked(sub *subscription, released []pending, ts hlc.Timestamp) {
	if sub.phase == phaseScanning {
		for _, p := range released {
			if sub.wants(p) {
				sub.pending = append(sub.pending, p)
			}
		}
		return
	}

	for _, p := range released {
		if !sub.wants(p) {
			continue
		}
		if d.sendLocked(sub, sink.ChangeOf(p.ev)) != nil {
			return
		}
	}
	if ts <= sub.resumeTS {
		return
	}
	_ = d.sendLocked(sub, sink.CheckpointOf(d.region.ID, ts))
}

// dropSubLocked forgets a subscription whose conn refused an event. The
// conn already ended or gapped the stream, or is closed.
func (d *Delegate) dropSubLocked(sub *subscription, err error) {
	connID := sub.conn.ID()
	if d.subs[connID] != sub {
		return
	}
	delete(d.subs, connID)
	sub.close()
	log.Debug().
		Err(err).
		Uint64("region_id", d.region.ID).
		Uint64("conn_id", connID).
		Msg("Subscriber dropped")
}

// endSubLocked terminates a subscription with err
func (d *Delegate) endSubLocked(sub *subscription, err error) {
	connID := sub.conn.ID()
	if d.subs[connID] != sub {
		return
	}
	delete(d.subs, connID)
	sub.close()
	sub.conn.End(d.region.ID, err)
}

// Unsubscribe ends conn's stream of this region. A nil err ends it
// without an error.
func (d *Delegate) Unsubscribe(connID uint64, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[connID]
	if !ok {
		return false
	}
	d.endSubLocked(sub, err)
	return true
}

func (d *Delegate) unsubscribe(connID uint64, sub *subscription, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs[connID] != sub {
		return
	}
	d.endSubLocked(sub, err)
}

// Subscribers returns the number of attached subscribers
func (d *Delegate) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Checkpoints returns each subscriber's last delivered checkpoint by conn id
func (d *Delegate) Checkpoints() map[uint64]hlc.Timestamp {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uint64]hlc.Timestamp, len(d.subs))
	for id, sub := range d.subs {
		out[id] = hlc.Timestamp(sub.lastCheckpoint.Load())
	}
	return out
}
