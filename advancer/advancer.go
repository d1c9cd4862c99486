// Package advancer periodically pushes every region's resolved timestamp
// forward, checkpoints subscribers and reports the node-wide minimum.
package advancer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/delegate"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/notify"
	"github.com/maxpert/tidemark/pd"
	"github.com/maxpert/tidemark/resolver"
	"github.com/maxpert/tidemark/telemetry"
	"github.com/rs/zerolog/log"
)

// Regions is the set of delegates the advancer ticks
type Regions interface {
	Range(fn func(d *delegate.Delegate) bool)
}

// FloorSource reports the oldest in-memory lock of the node
type FloorSource interface {
	MinLockTS() (hlc.Timestamp, bool)
}

// Options configure the advancer
type Options struct {
	NodeID         uint64
	Tick           time.Duration
	StallThreshold time.Duration
	ReportTimeout  time.Duration
}

// OptionsFromConfig builds advancer options from the configuration
func OptionsFromConfig(c *cfg.Configuration) Options {
	return Options{
		NodeID:         c.NodeID,
		Tick:           time.Duration(c.Advancer.TickIntervalMS) * time.Millisecond,
		StallThreshold: time.Duration(c.Advancer.StallThresholdMS) * time.Millisecond,
		ReportTimeout:  time.Duration(c.Advancer.ReportTimeoutMS) * time.Millisecond,
	}
}

// Stall is a region whose resolved ts has not moved past the threshold
type Stall struct {
	RegionID  uint64             `json:"region_id"`
	Since     time.Time          `json:"since"`
	Diagnosis delegate.Diagnosis `json:"diagnosis"`
}

// TickResult summarizes one pass
type TickResult struct {
	Regions     int
	Advanced    int
	Held        int
	Regressed   int
	Stalled     int
	MinResolved hlc.Timestamp
}

// Advancer drives resolved ts for every registered region
type Advancer struct {
	regions  Regions
	floor    FloorSource
	reporter pd.Reporter
	hub      *notify.Hub
	opts     Options

	mu       sync.Mutex
	stalled  map[uint64]*Stall
	episodes uint64

	minResolved atomic.Uint64
}

// New creates an advancer. hub may be nil.
func New(regions Regions, floor FloorSource, reporter pd.Reporter, hub *notify.Hub, opts Options) *Advancer {
	if reporter == nil {
		reporter = pd.Noop{}
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Advancer{
		regions:  regions,
		floor:    floor,
		reporter: reporter,
		hub:      hub,
		opts:     opts,
		stalled:  make(map[uint64]*Stall),
	}
}

// Run ticks until ctx is done
func (a *Advancer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.Tick)
	defer ticker.Stop()

	log.Info().
		Dur("tick", a.opts.Tick).
		Dur("stall_threshold", a.opts.StallThreshold).
		Msg("Resolved ts advancer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick advances every region once, then publishes and reports the
// node-wide minimum
func (a *Advancer) Tick(ctx context.Context) TickResult {
	start := time.Now()
	defer func() {
		telemetry.AdvancerTickSeconds.Observe(time.Since(start).Seconds())
	}()

	// One floor read per tick; every region compares against the same value
	var floor hlc.Timestamp
	if a.floor != nil {
		if ts, ok := a.floor.MinLockTS(); ok {
			floor = ts
		}
	}

	var (
		res    TickResult
		min    = hlc.Max
		locks  int
		states = make(map[string]int)
		seen   = make(map[uint64]struct{})
	)

	a.regions.Range(func(d *delegate.Delegate) bool {
		if d.State() == delegate.StateStopped {
			return true
		}
		res.Regions++

		ts, outcome := d.Advance(floor)
		telemetry.ResolverOutcomesTotal.With(outcome.String()).Inc()
		switch outcome {
		case resolver.OutcomeAdvanced:
			res.Advanced++
			if a.hub != nil {
				a.hub.Signal(d.RegionID(), ts)
			}
		case resolver.OutcomeHeld:
			res.Held++
		case resolver.OutcomeRegressed:
			res.Regressed++
		}
		if !ts.IsZero() {
			telemetry.ResolvedTSLagSeconds.Observe(start.Sub(ts.PhysicalTime()).Seconds())
		}

		min = hlc.Min(min, ts)
		locks += d.Resolver().Tracker().Len()
		states[d.State().String()]++
		seen[d.RegionID()] = struct{}{}

		a.checkStall(d, start)
		return true
	})

	res.Stalled = a.forgetMissing(seen)

	telemetry.OpenLocks.Set(float64(locks))
	telemetry.StalledRegions.Set(float64(res.Stalled))
	for _, s := range []delegate.State{
		delegate.StateUninitialized, delegate.StateScanningSnapshot, delegate.StateInitialized,
	} {
		telemetry.Regions.With(s.String()).Set(float64(states[s.String()]))
	}

	if res.Regions == 0 {
		return res
	}
	res.MinResolved = min
	a.publish(ctx, min)
	return res
}

func (a *Advancer) publish(ctx context.Context, min hlc.Timestamp) {
	if min.IsZero() {
		return
	}
	for {
		prev := a.minResolved.Load()
		if uint64(min) <= prev || a.minResolved.CompareAndSwap(prev, uint64(min)) {
			break
		}
	}
	telemetry.MinResolvedTS.Set(float64(min.Physical()))
	if a.hub != nil {
		a.hub.Signal(notify.NodeRegion, min)
	}

	if a.opts.ReportTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.ReportTimeout)
		defer cancel()
	}
	if err := a.reporter.ReportMinResolvedTS(ctx, a.opts.NodeID, min); err != nil {
		telemetry.ReportsTotal.With("error").Inc()
		log.Warn().
			Err(err).
			Stringer("min_resolved_ts", min).
			Msg("Failed to report min resolved ts")
		return
	}
	telemetry.ReportsTotal.With("ok").Inc()
}

func (a *Advancer) checkStall(d *delegate.Delegate, now time.Time) {
	if a.opts.StallThreshold <= 0 {
		return
	}
	id := d.RegionID()
	stalledFor := d.Resolver().StalledFor()

	a.mu.Lock()
	defer a.mu.Unlock()

	current, flagged := a.stalled[id]
	if stalledFor < a.opts.StallThreshold {
		if flagged {
			delete(a.stalled, id)
			log.Info().
				Uint64("region_id", id).
				Dur("stalled_for", now.Sub(current.Since)).
				Stringer("resolved_ts", d.Resolved()).
				Msg("Resolver recovered")
		}
		return
	}
	if flagged {
		return
	}

	diag := d.Diagnose()
	a.stalled[id] = &Stall{RegionID: id, Since: now.Add(-stalledFor), Diagnosis: diag}
	a.episodes++
	telemetry.StallEpisodesTotal.With(diag.Cause).Inc()

	ev := log.Warn().
		Err(common.ErrResolverStalled).
		Uint64("region_id", id).
		Dur("stalled_for", stalledFor).
		Str("cause", diag.Cause).
		Stringer("resolved_ts", diag.ResolvedTS).
		Stringer("applied_ts", diag.AppliedTS)
	if diag.OldestLock != nil {
		ev = ev.Stringer("lock_start_ts", diag.OldestLock.StartTS).Bytes("lock_key", diag.OldestLock.Key)
	}
	if diag.ScanningFor > 0 {
		ev = ev.Dur("scanning_for", diag.ScanningFor)
	}
	ev.Msg("Resolved ts stalled")
}

// forgetMissing drops stall records of regions that went away and returns
// the number still stalled
func (a *Advancer) forgetMissing(seen map[uint64]struct{}) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.stalled {
		if _, ok := seen[id]; !ok {
			delete(a.stalled, id)
		}
	}
	return len(a.stalled)
}

// Stalled lists the regions currently flagged, ordered by region id
func (a *Advancer) Stalled() []Stall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Stall, 0, len(a.stalled))
	for _, s := range a.stalled {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out
}

// Episodes returns the number of stall episodes seen so far
func (a *Advancer) Episodes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.episodes
}

// MinResolved returns the highest node-wide minimum published
func (a *Advancer) MinResolved() hlc.Timestamp {
	return hlc.Timestamp(a.minResolved.Load())
}
