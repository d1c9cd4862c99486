// Package pd reports node-wide resolved timestamps to the coordination
// service and implements a small in-process version of that service.
package pd

import (
	"context"
	"sort"
	"time"

	"github.com/maxpert/tidemark/hlc"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Reporter publishes a node's minimum resolved ts
type Reporter interface {
	ReportMinResolvedTS(ctx context.Context, nodeID uint64, ts hlc.Timestamp) error
}

// Noop discards reports
type Noop struct{}

func (Noop) ReportMinResolvedTS(context.Context, uint64, hlc.Timestamp) error {
	return nil
}

type nodeReport struct {
	ts hlc.Timestamp
	at time.Time
}

// Server keeps the latest report of every node and derives the cluster
// safe point: the smallest resolved ts among live nodes. Nodes that have
// not reported within ttl stop holding the safe point back.
type Server struct {
	nodes *xsync.MapOf[uint64, nodeReport]
	ttl   time.Duration
	now   func() time.Time
}

// NewServer creates a coordination server. A zero ttl keeps nodes forever.
func NewServer(ttl time.Duration) *Server {
	return &Server{
		nodes: xsync.NewMapOf[uint64, nodeReport](),
		ttl:   ttl,
		now:   time.Now,
	}
}

// ReportMinResolvedTS records a node's report. Reports never move a node
// backwards.
func (s *Server) ReportMinResolvedTS(_ context.Context, nodeID uint64, ts hlc.Timestamp) error {
	now := s.now()
	s.nodes.Compute(nodeID, func(old nodeReport, loaded bool) (nodeReport, bool) {
		if loaded && ts < old.ts {
			log.Debug().
				Uint64("node_id", nodeID).
				Stringer("reported", ts).
				Stringer("current", old.ts).
				Msg("Ignoring regressed min resolved ts report")
			return nodeReport{ts: old.ts, at: now}, false
		}
		return nodeReport{ts: ts, at: now}, false
	})
	return nil
}

// SafePoint returns the minimum over live nodes, zero when none reported
func (s *Server) SafePoint() hlc.Timestamp {
	var (
		min   = hlc.Max
		found bool
		now   = s.now()
	)
	s.nodes.Range(func(_ uint64, r nodeReport) bool {
		if s.ttl > 0 && now.Sub(r.at) > s.ttl {
			return true
		}
		found = true
		min = hlc.Min(min, r.ts)
		return true
	})
	if !found {
		return 0
	}
	return min
}

// NodeStatus is one node's last report
type NodeStatus struct {
	NodeID     uint64        `json:"node_id"`
	ResolvedTS hlc.Timestamp `json:"resolved_ts"`
	ReportedAt time.Time     `json:"reported_at"`
	Expired    bool          `json:"expired"`
}

// Nodes lists every known node ordered by id
func (s *Server) Nodes() []NodeStatus {
	now := s.now()
	var out []NodeStatus
	s.nodes.Range(func(id uint64, r nodeReport) bool {
		out = append(out, NodeStatus{
			NodeID:     id,
			ResolvedTS: r.ts,
			ReportedAt: r.at,
			Expired:    s.ttl > 0 && now.Sub(r.at) > s.ttl,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Forget drops a node, e.g. after it left the cluster
func (s *Server) Forget(nodeID uint64) {
	s.nodes.Delete(nodeID)
}
