package resolver

import (
	"sync/atomic"
	"time"

	"github.com/maxpert/tidemark/hlc"
)

// Outcome describes what one Advance call did to the resolved timestamp
type Outcome int

const (
	// OutcomeHeld means the candidate equalled the previous value
	OutcomeHeld Outcome = iota
	// OutcomeAdvanced means the resolved timestamp moved forward
	OutcomeAdvanced
	// OutcomeRegressed means the candidate was below the previous value.
	// The resolver held its value; the region is not caught up.
	OutcomeRegressed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHeld:
		return "held"
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeRegressed:
		return "regressed"
	default:
		return "unknown"
	}
}

// Resolver derives one region's resolved timestamp:
//
//	resolved = min(applied_ts, min open lock start_ts, in-memory lock floor)
//
// The result never decreases. Reads are lock free.
type Resolver struct {
	tracker *LockTracker

	resolved    atomic.Uint64
	lastAdvance atomic.Int64 // unix nanos
	regressions atomic.Uint64
	now         func() time.Time
}

// NewResolver creates a resolver over tracker starting at initial
func NewResolver(tracker *LockTracker, initial hlc.Timestamp) *Resolver {
	return newResolverWithClock(tracker, initial, time.Now)
}

func newResolverWithClock(tracker *LockTracker, initial hlc.Timestamp, now func() time.Time) *Resolver {
	r := &Resolver{tracker: tracker, now: now}
	r.resolved.Store(uint64(initial))
	r.lastAdvance.Store(now().UnixNano())
	return r
}

// Tracker returns the lock tracker the resolver reads
func (r *Resolver) Tracker() *LockTracker {
	return r.tracker
}

// Resolved returns the current resolved timestamp
func (r *Resolver) Resolved() hlc.Timestamp {
	return hlc.Timestamp(r.resolved.Load())
}

// Candidate computes the uncommitted value Advance would try to publish.
// A zero floor means the concurrency manager holds no lock.
func (r *Resolver) Candidate(appliedTS, inMemoryLockFloor hlc.Timestamp) hlc.Timestamp {
	candidate := appliedTS
	if minLock, ok := r.tracker.MinOpenTS(); ok && minLock < candidate {
		candidate = minLock
	}
	if !inMemoryLockFloor.IsZero() && inMemoryLockFloor < candidate {
		candidate = inMemoryLockFloor
	}
	return candidate
}

// Advance recomputes the resolved timestamp. When the candidate is below
// the previous value the resolver holds and reports OutcomeRegressed.
func (r *Resolver) Advance(appliedTS, inMemoryLockFloor hlc.Timestamp) (hlc.Timestamp, Outcome) {
	candidate := r.Candidate(appliedTS, inMemoryLockFloor)
	for {
		prev := r.resolved.Load()
		switch {
		case uint64(candidate) < prev:
			r.regressions.Add(1)
			return hlc.Timestamp(prev), OutcomeRegressed
		case uint64(candidate) == prev:
			return hlc.Timestamp(prev), OutcomeHeld
		}
		if r.resolved.CompareAndSwap(prev, uint64(candidate)) {
			r.lastAdvance.Store(r.now().UnixNano())
			return candidate, OutcomeAdvanced
		}
	}
}

// StalledFor returns how long the resolved timestamp has not moved
func (r *Resolver) StalledFor() time.Duration {
	return r.now().Sub(time.Unix(0, r.lastAdvance.Load()))
}

// LastAdvance returns when the resolved timestamp last moved
func (r *Resolver) LastAdvance() time.Time {
	return time.Unix(0, r.lastAdvance.Load())
}

// Regressions returns how many candidates were refused
func (r *Resolver) Regressions() uint64 {
	return r.regressions.Load()
}
