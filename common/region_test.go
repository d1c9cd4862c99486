package common

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegion_ContainsKey(t *testing.T) {
	r := Region{ID: 1, StartKey: []byte("b"), EndKey: []byte("d")}

	assert.False(t, r.ContainsKey([]byte("a")))
	assert.True(t, r.ContainsKey([]byte("b")))
	assert.True(t, r.ContainsKey([]byte("c\xff")))
	assert.False(t, r.ContainsKey([]byte("d")))

	unbounded := Region{ID: 2, StartKey: []byte("m")}
	assert.True(t, unbounded.ContainsKey([]byte("zzzz")))
	assert.False(t, unbounded.ContainsKey([]byte("a")))
}

func TestEpoch_Compare(t *testing.T) {
	e := Epoch{ConfVer: 2, Version: 5}

	assert.True(t, e.Equal(Epoch{ConfVer: 2, Version: 5}))
	assert.True(t, Epoch{ConfVer: 2, Version: 4}.StaleComparedTo(e))
	assert.False(t, e.StaleComparedTo(Epoch{ConfVer: 2, Version: 5}))
	assert.Equal(t, Epoch{ConfVer: 2, Version: 6}, e.BumpVersion())
}

func TestValidateSplit(t *testing.T) {
	parent := Region{ID: 1, StartKey: []byte("a"), EndKey: []byte("z")}

	ok := []Region{
		{ID: 1, StartKey: []byte("a"), EndKey: []byte("m")},
		{ID: 2, StartKey: []byte("m"), EndKey: []byte("z")},
	}
	require.NoError(t, ValidateSplit(parent, ok))

	gap := []Region{
		{ID: 1, StartKey: []byte("a"), EndKey: []byte("k")},
		{ID: 2, StartKey: []byte("m"), EndKey: []byte("z")},
	}
	require.Error(t, ValidateSplit(parent, gap))

	require.Error(t, ValidateSplit(parent, ok[:1]))
}

func TestValidateMerge(t *testing.T) {
	epoch := Epoch{ConfVer: 1, Version: 3}
	left := Region{ID: 1, Epoch: epoch, StartKey: []byte("a"), EndKey: []byte("m")}
	right := Region{ID: 2, Epoch: epoch, StartKey: []byte("m")}

	merged := Region{ID: 1, Epoch: epoch.BumpVersion(), StartKey: []byte("a")}
	require.NoError(t, ValidateMerge(left, right, merged))

	// Target on the right absorbing its left neighbour
	mergedRight := Region{ID: 2, Epoch: epoch.BumpVersion(), StartKey: []byte("a")}
	require.NoError(t, ValidateMerge(right, left, mergedRight))

	require.Error(t, ValidateMerge(left, right, Region{ID: 1, Epoch: epoch, StartKey: []byte("a")}), "epoch must move")
	require.Error(t, ValidateMerge(left, right, Region{ID: 2, Epoch: epoch.BumpVersion(), StartKey: []byte("a")}), "id must be the target's")

	far := Region{ID: 3, Epoch: epoch, StartKey: []byte("x"), EndKey: []byte("z")}
	require.Error(t, ValidateMerge(left, far, Region{ID: 1, Epoch: epoch.BumpVersion(), StartKey: []byte("a"), EndKey: []byte("z")}))
}

func TestErrorClassification(t *testing.T) {
	wrapped := errors.Wrapf(ErrApplyOrderViolation, "region %d", 7)
	assert.True(t, IsFatalForDelegate(wrapped))
	assert.True(t, IsStreamEnd(wrapped))

	assert.False(t, IsFatalForDelegate(ErrNotLeader))
	assert.True(t, IsStreamEnd(errors.Wrap(ErrNotLeader, "stop")))
	assert.False(t, IsStreamEnd(ErrDuplicateUnlock))
}

func TestChangeEvent_OrderTS(t *testing.T) {
	put := ChangeEvent{Op: OpPut, StartTS: 10, CommitTS: 15}
	rb := ChangeEvent{Op: OpRollback, StartTS: 10}

	assert.EqualValues(t, 15, put.OrderTS())
	assert.EqualValues(t, 10, rb.OrderTS())
}
