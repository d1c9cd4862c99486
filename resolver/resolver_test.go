package resolver

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/maxpert/tidemark/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_CommitClearsLock(t *testing.T) {
	tr := NewLockTracker(0)
	r := NewResolver(tr, 0)

	tr.ObserveLock(100, []byte("k"))
	ts, outcome := r.Advance(102, 0)
	assert.EqualValues(t, 100, ts)
	assert.Equal(t, OutcomeAdvanced, outcome)

	// commit start_ts=100 commit_ts=105
	require.True(t, tr.ObserveUnlock(100, []byte("k")))

	ts, outcome = r.Advance(110, 0)
	assert.EqualValues(t, 110, ts, "resolved ts must not stay capped at the cleared lock")
	assert.Equal(t, OutcomeAdvanced, outcome)
}

func TestResolver_InMemoryLockFloor(t *testing.T) {
	r := NewResolver(NewLockTracker(0), 0)

	ts, outcome := r.Advance(200, 90)
	assert.EqualValues(t, 90, ts)
	assert.Equal(t, OutcomeAdvanced, outcome)
}

func TestResolver_ZeroFloorIgnored(t *testing.T) {
	r := NewResolver(NewLockTracker(0), 0)

	ts, _ := r.Advance(200, 0)
	assert.EqualValues(t, 200, ts)
}

func TestResolver_NeverRegresses(t *testing.T) {
	tr := NewLockTracker(0)
	r := NewResolver(tr, 0)

	ts, _ := r.Advance(150, 0)
	require.EqualValues(t, 150, ts)

	// A floor below the published value: hold and signal.
	ts, outcome := r.Advance(300, 120)
	assert.EqualValues(t, 150, ts)
	assert.Equal(t, OutcomeRegressed, outcome)
	assert.EqualValues(t, 1, r.Regressions())

	ts, outcome = r.Advance(150, 0)
	assert.EqualValues(t, 150, ts)
	assert.Equal(t, OutcomeHeld, outcome)
	assert.EqualValues(t, 150, r.Resolved())
}

func TestResolver_StallClock(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newResolverWithClock(NewLockTracker(0), 0, func() time.Time { return now })

	r.Advance(10, 0)
	now = now.Add(5 * time.Second)
	r.Advance(10, 0)
	assert.Equal(t, 5*time.Second, r.StalledFor())

	r.Advance(11, 0)
	assert.Equal(t, time.Duration(0), r.StalledFor())
}

func TestResolver_MonotonicUnderArbitraryInputs(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("resolved ts never decreases and never exceeds applied", prop.ForAll(
		func(applied []uint32, floors []uint32, locks []uint16) bool {
			tr := NewLockTracker(0)
			r := NewResolver(tr, 0)
			var prev hlc.Timestamp
			var maxApplied hlc.Timestamp

			for i, a := range applied {
				if i < len(locks) {
					l := locks[i]
					if l&1 == 0 {
						tr.ObserveLock(hlc.Timestamp(l>>1), []byte{byte(l)})
					} else {
						tr.ObserveUnlock(hlc.Timestamp(l>>1), []byte{byte(l - 1)})
					}
				}
				var floor hlc.Timestamp
				if i < len(floors) {
					floor = hlc.Timestamp(floors[i])
				}
				// Raft apply is ordered, so applied ts only grows.
				maxApplied = hlc.MaxOf(maxApplied, hlc.Timestamp(a))

				ts, _ := r.Advance(maxApplied, floor)
				if ts < prev {
					return false
				}
				if ts > maxApplied && ts != prev {
					return false
				}
				prev = ts
			}
			return true
		},
		gen.SliceOf(gen.UInt32()),
		gen.SliceOf(gen.UInt32()),
		gen.SliceOf(gen.UInt16()),
	))

	properties.TestingRun(t)
}
