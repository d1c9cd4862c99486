package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/tidemark/hlc"
)

// defaultSignalBufferSize is the buffer size for resolved ts signal channels.
// Signals are level-triggered: a subscriber that misses one picks the
// newer value up from the next.
const defaultSignalBufferSize = 16

// NodeRegion is the pseudo region id carrying the node-wide minimum
const NodeRegion uint64 = 0

// Signal announces that a region's resolved ts moved forward
type Signal struct {
	RegionID   uint64
	ResolvedTS hlc.Timestamp
}

// Filter selects the regions a subscriber hears about. Empty means every
// region including NodeRegion.
type Filter struct {
	Regions []uint64
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(regionID uint64) bool {
	if len(s.filter.Regions) == 0 {
		return true
	}
	for _, id := range s.filter.Regions {
		if id == regionID {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans resolved ts signals out to in-process waiters
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	latest        atomic.Uint64 // last node-wide value
}

// NewHub creates a notification hub
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends to all matching subscribers without blocking
func (h *Hub) Signal(regionID uint64, ts hlc.Timestamp) {
	if regionID == NodeRegion {
		for {
			prev := h.latest.Load()
			if uint64(ts) <= prev || h.latest.CompareAndSwap(prev, uint64(ts)) {
				break
			}
		}
	}

	signal := Signal{RegionID: regionID, ResolvedTS: ts}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(regionID) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- signal:
		default:
		}
	}
}

// Latest returns the newest node-wide resolved ts signalled
func (h *Hub) Latest() hlc.Timestamp {
	return hlc.Timestamp(h.latest.Load())
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// The returned channel is buffered. If the subscriber cannot keep up with the signal rate,
// signals will be dropped silently by Signal(). The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Len returns the number of subscriptions
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}
