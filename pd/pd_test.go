package pd

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/maxpert/tidemark/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func TestServer_SafePointIsMinimum(t *testing.T) {
	s := NewServer(0)
	ctx := context.Background()

	assert.Zero(t, s.SafePoint(), "no reports yet")

	require.NoError(t, s.ReportMinResolvedTS(ctx, 1, 300))
	require.NoError(t, s.ReportMinResolvedTS(ctx, 2, 200))
	require.NoError(t, s.ReportMinResolvedTS(ctx, 3, 250))
	assert.Equal(t, hlc.Timestamp(200), s.SafePoint())

	require.NoError(t, s.ReportMinResolvedTS(ctx, 2, 400))
	assert.Equal(t, hlc.Timestamp(250), s.SafePoint())

	// A late report does not pull a node back
	require.NoError(t, s.ReportMinResolvedTS(ctx, 3, 100))
	assert.Equal(t, hlc.Timestamp(250), s.SafePoint())

	s.Forget(3)
	assert.Equal(t, hlc.Timestamp(300), s.SafePoint())
	assert.Len(t, s.Nodes(), 2)
}

func TestServer_ExpiredNodesIgnored(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewServer(10 * time.Second)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.ReportMinResolvedTS(ctx, 1, 100))
	now = now.Add(8 * time.Second)
	require.NoError(t, s.ReportMinResolvedTS(ctx, 2, 500))
	assert.Equal(t, hlc.Timestamp(100), s.SafePoint())

	now = now.Add(5 * time.Second)
	assert.Equal(t, hlc.Timestamp(500), s.SafePoint())

	nodes := s.Nodes()
	require.Len(t, nodes, 2)
	assert.True(t, nodes[0].Expired)
	assert.False(t, nodes[1].Expired)
}

func dialBufconn(t *testing.T, s *Server) *Client {
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	s.Register(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	c, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_RoundTrip(t *testing.T) {
	s := NewServer(0)
	c := dialBufconn(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sp, err := c.Report(ctx, 1, 700)
	require.NoError(t, err)
	assert.Equal(t, hlc.Timestamp(700), sp)

	require.NoError(t, c.ReportMinResolvedTS(ctx, 2, 650))
	sp, err = c.SafePoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, hlc.Timestamp(650), sp)

	_, err = c.Report(ctx, 0, 1)
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	var r Reporter = Noop{}
	assert.NoError(t, r.ReportMinResolvedTS(context.Background(), 1, 1))
}
