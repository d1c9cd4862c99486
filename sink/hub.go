package sink

import (
	"sort"
	"sync/atomic"

	"github.com/maxpert/tidemark/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
)

// Hub owns the node's open subscriber connections
type Hub struct {
	conns  *xsync.MapOf[uint64, *Conn]
	nextID atomic.Uint64
	opts   Options
}

// NewHub creates a hub opening connections with opts
func NewHub(opts Options) *Hub {
	return &Hub{
		conns: xsync.NewMapOf[uint64, *Conn](),
		opts:  opts,
	}
}

// Open creates and tracks a new connection
func (h *Hub) Open() *Conn {
	c := NewConn(h.nextID.Add(1), h.opts)
	h.conns.Store(c.ID(), c)
	telemetry.SinkConnections.Inc()
	return c
}

// Release closes a connection with err and forgets it
func (h *Hub) Release(c *Conn, err error) {
	c.Close(err)
	if _, ok := h.conns.LoadAndDelete(c.ID()); ok {
		telemetry.SinkConnections.Dec()
	}
}

// Get returns a connection by id
func (h *Hub) Get(id uint64) (*Conn, bool) {
	return h.conns.Load(id)
}

// Len returns the number of open connections
func (h *Hub) Len() int {
	return h.conns.Size()
}

// Stats returns every connection's stats ordered by id
func (h *Hub) Stats() []Stats {
	out := make([]Stats, 0, h.conns.Size())
	h.conns.Range(func(_ uint64, c *Conn) bool {
		out = append(out, c.Stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// QueuedEvents sums queued events across connections
func (h *Hub) QueuedEvents() int {
	var total int
	h.conns.Range(func(_ uint64, c *Conn) bool {
		total += c.Stats().Queued
		return true
	})
	return total
}

// CloseAll tears every connection down with err
func (h *Hub) CloseAll(err error) {
	h.conns.Range(func(_ uint64, c *Conn) bool {
		h.Release(c, err)
		return true
	})
}
