package sink

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func change(region uint64, key string, commitTS uint64) Event {
	return ChangeOf(common.ChangeEvent{
		RegionID: region,
		Key:      []byte(key),
		Value:    []byte("v"),
		Op:       common.OpPut,
		StartTS:  1,
		CommitTS: hlc.Timestamp(commitTS),
	})
}

func recvAll(t *testing.T, c *Conn) []Event {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	batch, err := c.Recv(ctx, 1000)
	require.NoError(t, err)
	return batch
}

func TestConn_FIFOAndBatching(t *testing.T) {
	c := NewConn(1, Options{Capacity: 10, Policy: cfg.OverflowBlock})
	require.NoError(t, c.Attach(1, common.Epoch{}, nil))

	ctx := context.Background()
	require.NoError(t, c.Push(ctx, change(1, "a", 10)))
	require.NoError(t, c.Push(ctx, change(1, "b", 11)))
	require.NoError(t, c.Push(ctx, CheckpointOf(1, 11)))

	first, err := c.Recv(ctx, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, []byte("a"), first[0].Change.Key)
	assert.Equal(t, []byte("b"), first[1].Change.Key)

	rest := recvAll(t, c)
	require.Len(t, rest, 1)
	assert.Equal(t, KindCheckpoint, rest[0].Kind)
	assert.EqualValues(t, 11, rest[0].ResolvedTS)
	assert.Equal(t, "0.11", c.Stats().Regions[1])
}

func TestConn_PushRequiresAttach(t *testing.T) {
	c := NewConn(1, Options{Capacity: 10})

	err := c.Push(context.Background(), change(7, "a", 1))
	assert.True(t, errors.Is(err, ErrStreamNotFound))

	require.NoError(t, c.Attach(7, common.Epoch{}, nil))
	assert.True(t, errors.Is(c.Attach(7, common.Epoch{}, nil), ErrStreamExists))
}

func TestConn_TeardownPolicy(t *testing.T) {
	var detached atomic.Int32
	c := NewConn(1, Options{Capacity: 2, Policy: cfg.OverflowTeardown})
	require.NoError(t, c.Attach(1, common.Epoch{}, func() { detached.Add(1) }))

	ctx := context.Background()
	require.NoError(t, c.Push(ctx, change(1, "a", 1)))
	require.NoError(t, c.Push(ctx, change(1, "b", 2)))

	err := c.Push(ctx, change(1, "c", 3))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrSubscriberOverflow))
	assert.EqualValues(t, 1, detached.Load())

	_, err = c.Recv(ctx, 10)
	assert.True(t, errors.Is(err, common.ErrSubscriberOverflow))

	select {
	case <-c.Done():
	default:
		t.Fatal("connection should be closed")
	}
}

func TestConn_DropOldestDropsCheckpointFirst(t *testing.T) {
	c := NewConn(1, Options{Capacity: 2, Policy: cfg.OverflowDropOldest})
	require.NoError(t, c.Attach(1, common.Epoch{}, nil))

	ctx := context.Background()
	require.NoError(t, c.Push(ctx, CheckpointOf(1, 5)))
	require.NoError(t, c.Push(ctx, change(1, "a", 6)))
	require.NoError(t, c.Push(ctx, change(1, "b", 7)))

	got := recvAll(t, c)
	require.Len(t, got, 2)
	assert.Equal(t, KindChange, got[0].Kind)
	assert.Equal(t, KindChange, got[1].Kind)
	assert.True(t, c.Attached(1), "dropping a checkpoint leaves no gap")
	assert.EqualValues(t, 1, c.Stats().Dropped)
}

func TestConn_DropOldestGapsRegion(t *testing.T) {
	var detached2 atomic.Int32
	c := NewConn(1, Options{Capacity: 2, Policy: cfg.OverflowDropOldest})
	require.NoError(t, c.Attach(1, common.Epoch{}, nil))
	require.NoError(t, c.Attach(2, common.Epoch{}, func() { detached2.Add(1) }))

	ctx := context.Background()

	// Region 2 has delivered a checkpoint at 40 before falling behind.
	require.NoError(t, c.Push(ctx, CheckpointOf(2, 40)))
	require.Len(t, recvAll(t, c), 1)

	require.NoError(t, c.Push(ctx, change(2, "x", 41)))
	require.NoError(t, c.Push(ctx, change(1, "a", 50)))
	require.NoError(t, c.Push(ctx, change(1, "b", 51)))

	got := recvAll(t, c)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("a"), got[0].Change.Key)
	assert.Equal(t, KindGap, got[1].Kind)
	assert.EqualValues(t, 2, got[1].RegionID)
	assert.EqualValues(t, 40, got[1].ResolvedTS, "gap carries the resume checkpoint")
	assert.Equal(t, []byte("b"), got[2].Change.Key)

	assert.EqualValues(t, 1, detached2.Load())
	assert.False(t, c.Attached(2))
	assert.True(t, errors.Is(c.Push(ctx, change(2, "y", 60)), ErrStreamNotFound))
}

func TestConn_BlockPolicyWaitsForSpace(t *testing.T) {
	c := NewConn(1, Options{Capacity: 1, Policy: cfg.OverflowBlock, BlockTimeout: 5 * time.Second})
	require.NoError(t, c.Attach(1, common.Epoch{}, nil))

	ctx := context.Background()
	require.NoError(t, c.Push(ctx, change(1, "a", 1)))

	done := make(chan error, 1)
	go func() { done <- c.Push(ctx, change(1, "b", 2)) }()

	select {
	case <-done:
		t.Fatal("push should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	got := recvAll(t, c)
	require.Len(t, got, 1)
	require.NoError(t, <-done)

	got = recvAll(t, c)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("b"), got[0].Change.Key)
}

func TestConn_BlockPolicyTimesOut(t *testing.T) {
	var detached atomic.Int32
	c := NewConn(1, Options{Capacity: 1, Policy: cfg.OverflowBlock, BlockTimeout: 20 * time.Millisecond})
	require.NoError(t, c.Attach(1, common.Epoch{}, func() { detached.Add(1) }))

	ctx := context.Background()
	require.NoError(t, c.Push(ctx, change(1, "a", 1)))

	err := c.Push(ctx, change(1, "b", 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrSubscriberOverflow))
	assert.True(t, errors.Is(c.Err(), common.ErrSubscriberOverflow))
	assert.EqualValues(t, 1, detached.Load())
}

func TestConn_BlockPolicyHonorsContext(t *testing.T) {
	c := NewConn(1, Options{Capacity: 1, Policy: cfg.OverflowBlock})
	require.NoError(t, c.Attach(1, common.Epoch{}, nil))
	require.NoError(t, c.Push(context.Background(), change(1, "a", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Push(ctx, change(1, "b", 2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, c.Err(), "a cancelled producer does not tear the connection down")
}

func TestConn_TryPushNeverWaits(t *testing.T) {
	c := NewConn(1, Options{Capacity: 1, Policy: cfg.OverflowBlock, BlockTimeout: 5 * time.Second})
	require.NoError(t, c.Attach(1, common.Epoch{}, nil))
	require.NoError(t, c.TryPush(change(1, "a", 1)))

	start := time.Now()
	err := c.TryPush(change(1, "b", 2))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, c.Err(), "a full queue leaves the connection open")

	require.Len(t, recvAll(t, c), 1)
	require.NoError(t, c.TryPush(change(1, "b", 2)))
	got := recvAll(t, c)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("b"), got[0].Change.Key)
}

func TestConn_CancelledProducerCannotPush(t *testing.T) {
	c := NewConn(1, Options{Capacity: 4, Policy: cfg.OverflowBlock})
	require.NoError(t, c.Attach(1, common.Epoch{}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Push(ctx, change(1, "a", 1)), context.Canceled)
	assert.Zero(t, c.Stats().Queued)
}

func TestConn_EndBypassesCapacity(t *testing.T) {
	c := NewConn(1, Options{Capacity: 1, Policy: cfg.OverflowTeardown})
	require.NoError(t, c.Attach(1, common.Epoch{}, nil))

	ctx := context.Background()
	require.NoError(t, c.Push(ctx, change(1, "a", 1)))
	c.End(1, common.ErrNotLeader)

	got := recvAll(t, c)
	require.Len(t, got, 2)
	assert.Equal(t, KindEnd, got[1].Kind)
	assert.True(t, errors.Is(got[1].Err, common.ErrNotLeader))
	assert.False(t, c.Attached(1))
	assert.NoError(t, c.Err())
}

func TestConn_RecvHonorsContext(t *testing.T) {
	c := NewConn(1, Options{Capacity: 4})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Recv(ctx, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConn_CloseRunsDetachHooks(t *testing.T) {
	var detached atomic.Int32
	c := NewConn(1, Options{Capacity: 4})
	require.NoError(t, c.Attach(1, common.Epoch{}, func() { detached.Add(1) }))
	require.NoError(t, c.Attach(2, common.Epoch{}, func() { detached.Add(1) }))

	c.Close(common.ErrShutdown)
	c.Close(nil)

	assert.EqualValues(t, 2, detached.Load())
	assert.True(t, errors.Is(c.Err(), common.ErrShutdown), "first close error wins")
	assert.True(t, errors.Is(c.Attach(3, common.Epoch{}, nil), common.ErrShutdown))
}

func TestHub_OpenRelease(t *testing.T) {
	h := NewHub(Options{Capacity: 4})
	a := h.Open()
	b := h.Open()
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, h.Len())

	require.NoError(t, a.Attach(1, common.Epoch{}, nil))
	require.NoError(t, a.Push(context.Background(), change(1, "k", 1)))
	assert.Equal(t, 1, h.QueuedEvents())

	h.Release(a, nil)
	assert.Equal(t, 1, h.Len())
	assert.True(t, errors.Is(a.Err(), ErrClosed))

	stats := h.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, b.ID(), stats[0].ID)

	h.CloseAll(common.ErrShutdown)
	assert.Equal(t, 0, h.Len())
}
