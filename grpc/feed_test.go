package grpc

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/delegate"
	"github.com/maxpert/tidemark/engine"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/registry"
	"github.com/maxpert/tidemark/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var feedRegion = common.Region{ID: 1, Epoch: common.Epoch{ConfVer: 1, Version: 1}}

type feedFixture struct {
	t      *testing.T
	engine *engine.Engine
	reg    *registry.Registry
	server *Server
	client *Client
	index  uint64
}

func newFeedFixture(t *testing.T, secret string) *feedFixture {
	e, err := engine.Open(t.TempDir(), engine.Options{})
	require.NoError(t, err)

	reg := registry.New(e, registry.Options{
		Delegate: delegate.Options{
			RollbackPolicy:    cfg.RollbackSuppress,
			WindowEvents:      256,
			ReleasedLockCache: 64,
			ScanRate:          rate.Inf,
			ScanBurst:         1,
		},
		SplitPolicy: cfg.SplitTerminate,
	})
	hub := sink.NewHub(sink.Options{Capacity: 1024, Policy: cfg.OverflowTeardown})

	server := NewServer(ServerConfig{NodeID: 1, ClusterSecret: secret, BatchSize: 16}, reg, hub)
	lis := bufconn.Listen(1 << 20)
	go server.Serve(lis)

	client, err := Dial("passthrough:///bufnet", secret, bufDialer(lis))
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		server.Stop()
		reg.Close(common.ErrShutdown)
		e.Close()
	})
	return &feedFixture{t: t, engine: e, reg: reg, server: server, client: client}
}

func (f *feedFixture) apply(ts hlc.Timestamp, muts ...common.Mutation) {
	f.index++
	entry := &common.Entry{RegionID: feedRegion.ID, Epoch: feedRegion.Epoch, Index: f.index, Term: 1, TS: ts, Mutations: muts}
	_, err := f.engine.Apply(entry)
	require.NoError(f.t, err)
	if _, ok := f.reg.Get(feedRegion.ID); ok {
		require.NoError(f.t, f.reg.Apply(entry))
	}
}

func prewriteOf(key string, startTS hlc.Timestamp) common.Mutation {
	return common.Mutation{Kind: common.MutationPrewrite, Key: []byte(key), Value: []byte("v-" + key), Op: common.OpPut, StartTS: startTS}
}

func commitOf(key string, startTS, commitTS hlc.Timestamp) common.Mutation {
	return common.Mutation{Kind: common.MutationCommit, Key: []byte(key), StartTS: startTS, CommitTS: commitTS}
}

// collect receives events until done reports true for one of them
func collect(t *testing.T, feed *Feed, done func(FeedEvent) bool) []FeedEvent {
	t.Helper()
	var out []FeedEvent
	for {
		batch, err := feed.Recv()
		require.NoError(t, err)
		for _, ev := range batch.Events {
			out = append(out, ev)
			if done(ev) {
				return out
			}
		}
	}
}

func keysOf(events []FeedEvent) []string {
	var keys []string
	for _, ev := range events {
		for _, c := range ev.Entries {
			keys = append(keys, string(c.Key))
		}
	}
	return keys
}

func TestEventFeed_SnapshotThenLive(t *testing.T) {
	f := newFeedFixture(t, "")
	f.apply(60, prewriteOf("k", 50))
	f.apply(80, commitOf("k", 50, 70))

	d, err := f.reg.Register(feedRegion)
	require.NoError(t, err)
	d.Advance(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	feed, err := f.client.EventFeed(ctx)
	require.NoError(t, err)
	require.NoError(t, feed.Subscribe(FeedRequest{RegionID: 1, Epoch: feedRegion.Epoch}))

	scanned := collect(t, feed, func(ev FeedEvent) bool { return ev.Kind == EventInitialized })
	assert.Equal(t, []string{"k"}, keysOf(scanned))

	f.apply(100, prewriteOf("a", 90))
	f.apply(120, commitOf("a", 90, 110))
	ts, _ := d.Advance(0)
	require.Equal(t, hlc.Timestamp(120), ts)

	live := collect(t, feed, func(ev FeedEvent) bool {
		return ev.Kind == EventCheckpoint && ev.ResolvedTS >= 120
	})
	require.Equal(t, []string{"a"}, keysOf(live))
	for _, ev := range live {
		for _, c := range ev.Entries {
			assert.Equal(t, hlc.Timestamp(110), c.CommitTS)
			assert.True(t, bytes.Equal([]byte("v-a"), c.Value))
		}
	}
	assert.Equal(t, int64(1), f.server.Streams())
}

func TestEventFeed_RejectAndDeregister(t *testing.T) {
	f := newFeedFixture(t, "")
	_, err := f.reg.Register(feedRegion)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	feed, err := f.client.EventFeed(ctx)
	require.NoError(t, err)

	require.NoError(t, feed.Subscribe(FeedRequest{RegionID: 9}))
	events := collect(t, feed, func(ev FeedEvent) bool { return ev.Kind == EventError })
	last := events[len(events)-1]
	assert.Equal(t, uint64(9), last.RegionID)
	assert.ErrorIs(t, last.Error.Err(), common.ErrRegionNotFound)

	stale := feedRegion.Epoch
	stale.Version = 0
	require.NoError(t, feed.Subscribe(FeedRequest{RegionID: 1, Epoch: stale}))
	events = collect(t, feed, func(ev FeedEvent) bool { return ev.Kind == EventError })
	assert.ErrorIs(t, events[len(events)-1].Error.Err(), common.ErrRegionEpochMismatch)

	require.NoError(t, feed.Subscribe(FeedRequest{RegionID: 1, Epoch: feedRegion.Epoch}))
	collect(t, feed, func(ev FeedEvent) bool { return ev.Kind == EventInitialized })

	require.NoError(t, feed.Deregister(1))
	events = collect(t, feed, func(ev FeedEvent) bool { return ev.Kind == EventError })
	last = events[len(events)-1]
	assert.Equal(t, uint64(1), last.RegionID)
	assert.ErrorIs(t, last.Error.Err(), ErrDeregistered)

	d, _ := f.reg.Get(1)
	assert.Eventually(t, func() bool { return d.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEventFeed_StopEndsStream(t *testing.T) {
	f := newFeedFixture(t, "")
	_, err := f.reg.Register(feedRegion)
	require.NoError(t, err)

	feed, err := f.client.EventFeed(context.Background())
	require.NoError(t, err)
	require.NoError(t, feed.Subscribe(FeedRequest{RegionID: 1}))
	collect(t, feed, func(ev FeedEvent) bool { return ev.Kind == EventInitialized })

	go f.server.Stop()

	for {
		_, err := feed.Recv()
		if err == nil {
			continue
		}
		require.NotEqual(t, io.EOF, err)
		assert.Contains(t, []codes.Code{codes.Aborted, codes.Unavailable}, status.Code(err))
		return
	}
}

func TestEventFeed_StreamAuth(t *testing.T) {
	f := newFeedFixture(t, "feed-secret")
	_, err := f.reg.Register(feedRegion)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	feed, err := f.client.EventFeed(ctx)
	require.NoError(t, err)
	require.NoError(t, feed.Subscribe(FeedRequest{RegionID: 1}))
	collect(t, feed, func(ev FeedEvent) bool { return ev.Kind == EventInitialized })

	lis := bufconn.Listen(1 << 20)
	go f.server.Serve(lis)
	intruder, err := Dial("passthrough:///bufnet", "wrong", bufDialer(lis))
	require.NoError(t, err)
	defer intruder.Close()

	bad, err := intruder.EventFeed(ctx)
	if err == nil {
		_, err = bad.Recv()
	}
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestToWire_CoalescesChanges(t *testing.T) {
	batch := []sink.Event{
		sink.ChangeOf(common.ChangeEvent{RegionID: 1, Key: []byte("a"), CommitTS: 10}),
		sink.ChangeOf(common.ChangeEvent{RegionID: 1, Key: []byte("b"), CommitTS: 11}),
		sink.ChangeOf(common.ChangeEvent{RegionID: 2, Key: []byte("c"), CommitTS: 11}),
		sink.CheckpointOf(1, 12),
		sink.ChangeOf(common.ChangeEvent{RegionID: 1, Key: []byte("d"), CommitTS: 13}),
		{Kind: sink.KindEnd, RegionID: 2, Err: common.ErrRegionMerged},
	}

	out := toWire(batch).Events
	require.Len(t, out, 5)
	assert.Equal(t, EventEntries, out[0].Kind)
	assert.Len(t, out[0].Entries, 2)
	assert.Equal(t, uint64(2), out[1].RegionID)
	assert.Equal(t, EventCheckpoint, out[2].Kind)
	assert.Equal(t, hlc.Timestamp(12), out[2].ResolvedTS)
	assert.Len(t, out[3].Entries, 1)
	assert.Equal(t, EventError, out[4].Kind)
	assert.ErrorIs(t, out[4].Error.Err(), common.ErrRegionMerged)
}

func TestFeedError_UnknownCode(t *testing.T) {
	var nilErr *FeedError
	assert.NoError(t, nilErr.Err())
	assert.Nil(t, encodeError(nil))

	fe := &FeedError{Code: "mystery", Message: "boom"}
	assert.EqualError(t, fe.Err(), "boom")
}
