package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maxpert/tidemark/advancer"
	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/delegate"
	"github.com/maxpert/tidemark/engine"
	"github.com/maxpert/tidemark/pd"
	"github.com/maxpert/tidemark/registry"
	"github.com/maxpert/tidemark/router"
	"github.com/maxpert/tidemark/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeStalls []advancer.Stall

func (f fakeStalls) Stalled() []advancer.Stall { return f }

type fakeRouter router.Stats

func (f fakeRouter) Stats() router.Stats { return router.Stats(f) }

var testRegion = common.Region{ID: 1, Epoch: common.Epoch{ConfVer: 1, Version: 1}}

func newTestServer(t *testing.T) (*httptest.Server, *pd.Server) {
	e, err := engine.Open(t.TempDir(), engine.Options{})
	require.NoError(t, err)

	reg := registry.New(e, registry.Options{
		Delegate: delegate.Options{
			RollbackPolicy:    cfg.RollbackSuppress,
			WindowEvents:      16,
			ReleasedLockCache: 16,
			ScanRate:          rate.Inf,
			ScanBurst:         1,
		},
		SplitPolicy: cfg.SplitTerminate,
	})
	hub := sink.NewHub(sink.Options{Capacity: 8, Policy: cfg.OverflowTeardown})
	hub.Open()

	_, err = reg.Register(testRegion)
	require.NoError(t, err)
	entry := &common.Entry{
		RegionID: testRegion.ID,
		Epoch:    testRegion.Epoch,
		Index:    1,
		Term:     1,
		TS:       60,
		Mutations: []common.Mutation{{
			Kind: common.MutationPrewrite, Key: []byte("k"), Value: []byte("v"), Op: common.OpPut, StartTS: 50,
		}},
	}
	_, err = e.Apply(entry)
	require.NoError(t, err)
	require.NoError(t, reg.Apply(entry))

	coord := pd.NewServer(time.Minute)
	require.NoError(t, coord.ReportMinResolvedTS(context.Background(), 2, 100))
	require.NoError(t, coord.ReportMinResolvedTS(context.Background(), 3, 140))

	handlers := NewAdminHandlers(Sources{
		Regions: reg,
		Stalls:  fakeStalls{{RegionID: 1, Since: time.Now(), Diagnosis: delegate.Diagnosis{Cause: "lock"}}},
		Conns:   hub,
		Router:  fakeRouter{Workers: 4, Processed: 9},
		PD:      coord,
	})
	srv := httptest.NewServer(Router(handlers))

	t.Cleanup(func() {
		srv.Close()
		hub.CloseAll(common.ErrShutdown)
		reg.Close(common.ErrShutdown)
		e.Close()
	})
	return srv, coord
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func get(t *testing.T, srv *httptest.Server, path string) (int, envelope) {
	t.Helper()
	return do(t, srv, http.MethodGet, path, nil)
}

func do(t *testing.T, srv *httptest.Server, method, path string, header http.Header) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestRegions(t *testing.T) {
	srv, _ := newTestServer(t)

	status, env := get(t, srv, "/admin/regions")
	require.Equal(t, http.StatusOK, status)
	var regions []delegate.Stats
	require.NoError(t, json.Unmarshal(env.Data, &regions))
	require.Len(t, regions, 1)
	assert.Equal(t, uint64(1), regions[0].RegionID)
	assert.Equal(t, 1, regions[0].Locks)

	_, env = get(t, srv, "/admin/regions?state="+regions[0].State)
	require.NoError(t, json.Unmarshal(env.Data, &regions))
	assert.Len(t, regions, 1)

	_, env = get(t, srv, "/admin/regions?state=no-such-state")
	require.NoError(t, json.Unmarshal(env.Data, &regions))
	assert.Empty(t, regions)
}

func TestRegionDetail(t *testing.T) {
	srv, _ := newTestServer(t)

	status, env := get(t, srv, "/admin/regions/1")
	require.Equal(t, http.StatusOK, status)
	var detail struct {
		Stats     delegate.Stats     `json:"stats"`
		Diagnosis delegate.Diagnosis `json:"diagnosis"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, uint64(1), detail.Stats.RegionID)
	assert.NotNil(t, detail.Diagnosis.OldestLock)

	status, env = get(t, srv, "/admin/regions/9")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "region not found", env.Error)

	status, _ = get(t, srv, "/admin/regions/abc")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRegionLocks(t *testing.T) {
	srv, _ := newTestServer(t)

	status, env := get(t, srv, "/admin/regions/1/locks?limit=10")
	require.Equal(t, http.StatusOK, status)
	var locks []struct {
		Key     string `json:"key"`
		StartTS uint64 `json:"start_ts"`
		Op      string `json:"op"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &locks))
	require.Len(t, locks, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("k")), locks[0].Key)
	assert.Equal(t, uint64(50), locks[0].StartTS)
	assert.Equal(t, "put", locks[0].Op)

	for _, bad := range []string{"0", "2000", "x"} {
		status, _ = get(t, srv, "/admin/regions/1/locks?limit="+bad)
		assert.Equal(t, http.StatusBadRequest, status, "limit=%s", bad)
	}
}

func TestStalledConnsRouter(t *testing.T) {
	srv, _ := newTestServer(t)

	_, env := get(t, srv, "/admin/stalled")
	var stalls []advancer.Stall
	require.NoError(t, json.Unmarshal(env.Data, &stalls))
	require.Len(t, stalls, 1)
	assert.Equal(t, "lock", stalls[0].Diagnosis.Cause)

	_, env = get(t, srv, "/admin/conns")
	var conns []sink.Stats
	require.NoError(t, json.Unmarshal(env.Data, &conns))
	assert.Len(t, conns, 1)

	_, env = get(t, srv, "/admin/router")
	var rs router.Stats
	require.NoError(t, json.Unmarshal(env.Data, &rs))
	assert.Equal(t, 4, rs.Workers)
	assert.Equal(t, uint64(9), rs.Processed)

	status, _ := get(t, srv, "/admin/publisher")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = get(t, srv, "/admin/cluster/raft")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSummary(t *testing.T) {
	srv, _ := newTestServer(t)

	status, env := get(t, srv, "/admin/")
	require.Equal(t, http.StatusOK, status)
	var summary struct {
		Regions int `json:"regions"`
		Locks   int `json:"locks"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, 1, summary.Regions)
	assert.Equal(t, 1, summary.Locks)
}

func TestClusterNodes(t *testing.T) {
	srv, coord := newTestServer(t)

	_, env := get(t, srv, "/admin/cluster/nodes")
	var nodes struct {
		SafePoint uint64          `json:"safe_point"`
		Nodes     []pd.NodeStatus `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &nodes))
	assert.Equal(t, uint64(100), nodes.SafePoint)
	assert.Len(t, nodes.Nodes, 2)

	status, _ := do(t, srv, http.MethodPost, "/admin/cluster/forget/2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, coord.Nodes(), 1)
	assert.Equal(t, uint64(140), uint64(coord.SafePoint()))

	status, _ = do(t, srv, http.MethodPost, "/admin/cluster/forget/nope", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t)

	prev := cfg.Config.Server.ClusterSecret
	cfg.Config.Server.ClusterSecret = "s3cret"
	defer func() { cfg.Config.Server.ClusterSecret = prev }()

	tests := []struct {
		name   string
		header http.Header
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"secret header", http.Header{SecretHeader: {"s3cret"}}, http.StatusOK},
		{"bearer", http.Header{"Authorization": {"Bearer s3cret"}}, http.StatusOK},
		{"malformed bearer", http.Header{"Authorization": {"s3cret"}}, http.StatusUnauthorized},
		{"wrong secret", http.Header{SecretHeader: {"guess"}}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := do(t, srv, http.MethodGet, "/admin/regions", tt.header)
			assert.Equal(t, tt.want, status)
		})
	}
}
