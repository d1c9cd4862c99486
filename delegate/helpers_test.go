package delegate

import (
	"context"
	"testing"
	"time"

	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/engine"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/sink"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var testRegion = common.Region{ID: 1, Epoch: common.Epoch{ConfVer: 1, Version: 1}}

func testOptions() Options {
	return Options{
		RollbackPolicy:    cfg.RollbackSuppress,
		WindowEvents:      1024,
		ReleasedLockCache: 128,
		ScanRate:          rate.Inf,
		ScanBurst:         1,
	}
}

type harness struct {
	t      *testing.T
	engine *engine.Engine
	index  uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	e, err := engine.Open(t.TempDir(), engine.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return &harness{t: t, engine: e}
}

func (h *harness) delegate(region common.Region, opts Options) *Delegate {
	d := New(Seed{Region: region}, h.engine, opts)
	h.t.Cleanup(func() { d.Stop(common.ErrShutdown) })
	return d
}

// entry builds the next log entry for region
func (h *harness) entry(region common.Region, ts hlc.Timestamp, muts ...common.Mutation) *common.Entry {
	h.index++
	return &common.Entry{RegionID: region.ID, Epoch: region.Epoch, Index: h.index, Term: 1, TS: ts, Mutations: muts}
}

// apply writes an entry to the engine and then to the delegate, the way the
// replication feed does
func (h *harness) apply(d *Delegate, ts hlc.Timestamp, muts ...common.Mutation) error {
	entry := h.entry(d.Region(), ts, muts...)
	_, err := h.engine.Apply(entry)
	require.NoError(h.t, err)
	return d.Apply(entry)
}

func (h *harness) mustApply(d *Delegate, ts hlc.Timestamp, muts ...common.Mutation) {
	require.NoError(h.t, h.apply(d, ts, muts...))
}

func prewrite(key, value string, startTS hlc.Timestamp) common.Mutation {
	return common.Mutation{Kind: common.MutationPrewrite, Key: []byte(key), Value: []byte(value), Op: common.OpPut, StartTS: startTS}
}

func commit(key string, startTS, commitTS hlc.Timestamp) common.Mutation {
	return common.Mutation{Kind: common.MutationCommit, Key: []byte(key), StartTS: startTS, CommitTS: commitTS}
}

func rollback(key string, startTS hlc.Timestamp) common.Mutation {
	return common.Mutation{Kind: common.MutationRollback, Key: []byte(key), StartTS: startTS}
}

// put prewrites and commits key in two entries
func (h *harness) put(d *Delegate, key, value string, startTS, commitTS hlc.Timestamp) {
	h.mustApply(d, startTS, prewrite(key, value, startTS))
	h.mustApply(d, commitTS, commit(key, startTS, commitTS))
}

var connIDs uint64

func newConn() *sink.Conn {
	connIDs++
	return sink.NewConn(connIDs, sink.Options{Capacity: 1 << 16, Policy: cfg.OverflowTeardown})
}

// drain reads whatever the conn has queued, waiting briefly for stragglers
func drain(t *testing.T, c *sink.Conn) []sink.Event {
	t.Helper()
	var out []sink.Event
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		batch, err := c.Recv(ctx, 1024)
		cancel()
		if err != nil {
			return out
		}
		out = append(out, batch...)
	}
}

func subscribe(t *testing.T, d *Delegate, c *sink.Conn, resume hlc.Timestamp) ScanResult {
	t.Helper()
	fut, err := d.Subscribe(c, Request{RegionID: d.RegionID(), ResumeTS: resume})
	require.NoError(t, err)
	res, err := fut.Get()
	require.NoError(t, err)
	return res
}

type streamView struct {
	changes     []common.ChangeEvent
	checkpoints []hlc.Timestamp
	kinds       []sink.Kind
	endErr      error
}

func view(events []sink.Event) streamView {
	var v streamView
	for _, ev := range events {
		v.kinds = append(v.kinds, ev.Kind)
		switch ev.Kind {
		case sink.KindChange:
			v.changes = append(v.changes, ev.Change)
		case sink.KindCheckpoint:
			v.checkpoints = append(v.checkpoints, ev.ResolvedTS)
		case sink.KindEnd:
			v.endErr = ev.Err
		}
	}
	return v
}

func (v streamView) keys() []string {
	out := make([]string, len(v.changes))
	for i, c := range v.changes {
		out[i] = string(c.Key)
	}
	return out
}
