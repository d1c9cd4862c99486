package resolver

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTracker_Empty(t *testing.T) {
	tr := NewLockTracker(0)

	_, ok := tr.MinOpenTS()
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Len())
	assert.False(t, tr.ObserveUnlock(10, []byte("a")), "unknown unlock must be a no-op")
}

func TestLockTracker_MinTracksOpenLocks(t *testing.T) {
	tr := NewLockTracker(0)

	require.True(t, tr.ObserveLock(100, []byte("a")))
	require.True(t, tr.ObserveLock(100, []byte("b")))
	require.True(t, tr.ObserveLock(120, []byte("c")))

	minTS, ok := tr.MinOpenTS()
	require.True(t, ok)
	assert.EqualValues(t, 100, minTS)
	assert.Equal(t, 3, tr.Len())
	assert.Equal(t, 2, tr.NumTxns())

	// One key of txn 100 still open keeps the min at 100.
	require.True(t, tr.ObserveUnlock(100, []byte("a")))
	minTS, _ = tr.MinOpenTS()
	assert.EqualValues(t, 100, minTS)

	require.True(t, tr.ObserveUnlock(100, []byte("b")))
	minTS, _ = tr.MinOpenTS()
	assert.EqualValues(t, 120, minTS)

	require.True(t, tr.ObserveUnlock(120, []byte("c")))
	_, ok = tr.MinOpenTS()
	assert.False(t, ok)
}

func TestLockTracker_DuplicateDelivery(t *testing.T) {
	tr := NewLockTracker(0)

	require.True(t, tr.ObserveLock(50, []byte("k")))
	assert.False(t, tr.ObserveLock(50, []byte("k")), "duplicate prewrite")
	assert.Equal(t, 1, tr.Len())

	require.True(t, tr.ObserveUnlock(50, []byte("k")))
	assert.False(t, tr.ObserveUnlock(50, []byte("k")), "duplicate unlock")
	assert.True(t, tr.WasReleased(50, []byte("k")))
	assert.False(t, tr.WasReleased(51, []byte("k")))
	assert.Equal(t, 0, tr.Len())
}

func TestLockTracker_RelockClearsReleased(t *testing.T) {
	tr := NewLockTracker(0)

	tr.ObserveLock(50, []byte("k"))
	tr.ObserveUnlock(50, []byte("k"))
	require.True(t, tr.WasReleased(50, []byte("k")))

	tr.ObserveLock(50, []byte("k"))
	assert.False(t, tr.WasReleased(50, []byte("k")))
	assert.True(t, tr.HasLock(50, []byte("k")))
}

func TestLockTracker_SplitAndAbsorb(t *testing.T) {
	tr := NewLockTracker(0)
	tr.ObserveLock(10, []byte("a"))
	tr.ObserveLock(20, []byte("m"))
	tr.ObserveLock(30, []byte("x"))
	tr.ObserveLock(5, []byte("y"))
	tr.ObserveUnlock(5, []byte("y"))

	left := common.Region{StartKey: []byte(""), EndKey: []byte("n")}
	right := common.Region{StartKey: []byte("n")}

	l := tr.Split(left.ContainsKey)
	r := tr.Split(right.ContainsKey)

	lmin, _ := l.MinOpenTS()
	rmin, _ := r.MinOpenTS()
	assert.EqualValues(t, 10, lmin)
	assert.EqualValues(t, 30, rmin)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.WasReleased(5, []byte("y")))
	assert.False(t, l.WasReleased(5, []byte("y")))

	// Parent unchanged.
	assert.Equal(t, 3, tr.Len())

	r.Absorb(l)
	rmin, _ = r.MinOpenTS()
	assert.EqualValues(t, 10, rmin)
	assert.Equal(t, 3, r.Len())
}

func TestLockTracker_Oldest(t *testing.T) {
	tr := NewLockTracker(0)
	tr.Seed([]common.Lock{
		{Key: []byte("b"), StartTS: 7},
		{Key: []byte("a"), StartTS: 7},
		{Key: []byte("c"), StartTS: 3},
	})

	oldest := tr.Oldest(2)
	require.Len(t, oldest, 2)
	assert.EqualValues(t, 3, oldest[0].StartTS)
	assert.Equal(t, []byte("a"), oldest[1].Key)
	assert.Len(t, tr.Locks(), 3)
}

// referenceMultiset is the obviously-correct model the tracker is
// checked against.
type referenceMultiset map[lockKey]struct{}

func (m referenceMultiset) min() (hlc.Timestamp, bool) {
	found := false
	var out hlc.Timestamp
	for k := range m {
		if !found || k.startTS < out {
			out = k.startTS
			found = true
		}
	}
	return out, found
}

func TestLockTracker_MatchesReferenceModel(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	// Each uint16 encodes one operation: bit 0 picks lock/unlock, bits 1-3
	// the start ts, bits 4-6 the key. The small domain forces collisions,
	// duplicate deliveries and interleaved transactions.
	properties.Property("min_open_ts equals reference minimum", prop.ForAll(
		func(ops []uint16) bool {
			tr := NewLockTracker(0)
			model := referenceMultiset{}

			for _, op := range ops {
				ts := hlc.Timestamp(((op >> 1) & 7) + 1)
				key := fmt.Sprintf("k%d", (op>>4)&7)
				k := lockKey{startTS: ts, key: key}

				_, present := model[k]
				if op&1 == 0 {
					if tr.ObserveLock(ts, []byte(key)) == present {
						return false
					}
					model[k] = struct{}{}
				} else {
					if tr.ObserveUnlock(ts, []byte(key)) != present {
						return false
					}
					delete(model, k)
				}

				want, wantOK := model.min()
				got, gotOK := tr.MinOpenTS()
				if wantOK != gotOK || want != got || tr.Len() != len(model) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt16()),
	))

	properties.TestingRun(t)
}
