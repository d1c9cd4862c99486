package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrClosed is returned by operations on a closed connection
	ErrClosed = errors.New("connection closed")
	// ErrStreamNotFound is returned when pushing to a region that is not
	// attached, usually because its stream was ended or gapped.
	ErrStreamNotFound = errors.New("region stream not attached")
	// ErrStreamExists rejects a second subscription to the same region on
	// one connection.
	ErrStreamExists = errors.New("region stream already attached")
	// ErrQueueFull is returned by TryPush when the queue is full under
	// OverflowBlock
	ErrQueueFull = errors.New("connection queue full")
)

// Options configure a connection's queue
type Options struct {
	// Capacity bounds queued change, checkpoint and initialized events.
	// End and gap markers do not count.
	Capacity int
	// Policy applied when the queue is full
	Policy cfg.OverflowPolicy
	// BlockTimeout bounds how long a producer waits under OverflowBlock
	// before the connection is torn down. Zero waits for ctx only.
	BlockTimeout time.Duration
}

// OptionsFromConfig builds connection options from the sink configuration
func OptionsFromConfig(c cfg.SinkConfiguration) Options {
	return Options{
		Capacity:     c.QueueCapacity,
		Policy:       c.OverflowPolicy,
		BlockTimeout: time.Duration(c.BlockTimeoutMS) * time.Millisecond,
	}
}

type stream struct {
	epoch common.Epoch
	// checkpoint is the newest checkpoint handed to the subscriber, the
	// resume point if the stream is gapped.
	checkpoint hlc.Timestamp
	detach     func()
}

// Conn is one subscriber connection. Any number of region streams are
// multiplexed on it; each region pushes in order so per-region order is
// kept, with no ordering across regions.
type Conn struct {
	id   uint64
	opts Options

	mu       sync.Mutex
	queue    []Event
	dataLen  int // non-marker events in queue
	streams  map[uint64]*stream
	closed   bool
	closeErr error

	dataC  chan struct{}
	spaceC chan struct{}
	doneC  chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewConn creates a connection
func NewConn(id uint64, opts Options) *Conn {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	if opts.Policy == "" {
		opts.Policy = cfg.OverflowBlock
	}
	return &Conn{
		id:      id,
		opts:    opts,
		streams: make(map[uint64]*stream),
		dataC:   make(chan struct{}, 1),
		spaceC:  make(chan struct{}, 1),
		doneC:   make(chan struct{}),
	}
}

// ID returns the connection id
func (c *Conn) ID() uint64 {
	return c.id
}

// Attach registers a region stream. detach is invoked, outside any lock,
// if the connection drops the stream on its own (gap or close).
func (c *Conn) Attach(regionID uint64, epoch common.Epoch, detach func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closeErr
	}
	if _, ok := c.streams[regionID]; ok {
		return errors.Wrapf(ErrStreamExists, "region %d on conn %d", regionID, c.id)
	}
	c.streams[regionID] = &stream{epoch: epoch, detach: detach}
	return nil
}

// Attached reports whether the region has a live stream on the connection
func (c *Conn) Attached(regionID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.streams[regionID]
	return ok
}

// Push queues an event for an attached region, applying the overflow
// policy when the queue is full. Under OverflowBlock it waits for space,
// ctx or the block timeout.
func (c *Conn) Push(ctx context.Context, ev Event) error {
	return c.push(ctx, ev, true)
}

// TryPush is Push without waiting: under OverflowBlock a full queue
// returns ErrQueueFull and leaves the connection untouched. The other
// policies behave as in Push.
func (c *Conn) TryPush(ev Event) error {
	return c.push(context.Background(), ev, false)
}

func (c *Conn) push(ctx context.Context, ev Event, wait bool) error {
	var timeout <-chan time.Time

	for {
		c.mu.Lock()
		if c.closed {
			err := c.closeErr
			c.mu.Unlock()
			return err
		}
		// Checked under mu so a canceled producer cannot slip an event into
		// a stream re-attached after it gave up
		if err := ctx.Err(); err != nil {
			c.mu.Unlock()
			return err
		}
		if _, ok := c.streams[ev.RegionID]; !ok {
			c.mu.Unlock()
			return errors.Wrapf(ErrStreamNotFound, "region %d on conn %d", ev.RegionID, c.id)
		}

		if c.dataLen < c.opts.Capacity {
			c.enqueueLocked(ev)
			hasSpace := c.dataLen < c.opts.Capacity
			c.mu.Unlock()
			signal(c.dataC)
			if hasSpace {
				// Pass the wakeup on to any other blocked producer.
				signal(c.spaceC)
			}
			return nil
		}

		switch c.opts.Policy {
		case cfg.OverflowDropOldest:
			detach := c.dropOldestLocked()
			c.mu.Unlock()
			runDetach(detach)
			signal(c.dataC)
			continue

		case cfg.OverflowTeardown:
			err := errors.Wrapf(common.ErrSubscriberOverflow,
				"conn %d queue full (%d events)", c.id, c.opts.Capacity)
			detach := c.closeLocked(err)
			c.mu.Unlock()
			runDetach(detach)
			telemetry.SinkOverflowsTotal.Inc()
			return err
		}

		c.mu.Unlock()
		if !wait {
			return errors.Wrapf(ErrQueueFull, "conn %d (%d events)", c.id, c.opts.Capacity)
		}
		if timeout == nil && c.opts.BlockTimeout > 0 {
			timer := time.NewTimer(c.opts.BlockTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case <-c.spaceC:
		case <-c.doneC:
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			err := errors.Wrapf(common.ErrSubscriberOverflow,
				"conn %d blocked for %s", c.id, c.opts.BlockTimeout)
			c.Close(err)
			telemetry.SinkOverflowsTotal.Inc()
			return err
		}
	}
}

func (c *Conn) enqueueLocked(ev Event) {
	c.queue = append(c.queue, ev)
	if !ev.isMarker() {
		c.dataLen++
	}
}

// dropOldestLocked frees at least one slot. A dropped checkpoint is
// harmless since a later one supersedes it. Dropping anything else
// leaves the region with a hole, so every queued event of that region is
// purged and the stream ends with a gap marker carrying its last
// delivered checkpoint.
func (c *Conn) dropOldestLocked() func() {
	idx := -1
	for i, ev := range c.queue {
		if !ev.isMarker() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	victim := c.queue[idx]
	if victim.Kind == KindCheckpoint {
		c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
		c.dataLen--
		c.dropped.Add(1)
		telemetry.SinkDroppedTotal.Inc()
		return nil
	}

	regionID := victim.RegionID
	kept := c.queue[:0]
	var purged int
	for _, ev := range c.queue {
		if ev.RegionID == regionID && !ev.isMarker() {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	c.queue = kept
	c.dataLen -= purged
	c.dropped.Add(uint64(purged))
	telemetry.SinkDroppedTotal.Add(float64(purged))

	st, attached := c.streams[regionID]
	if !attached {
		// Already ended; its end marker is still queued.
		return nil
	}
	delete(c.streams, regionID)
	c.queue = append(c.queue, Event{Kind: KindGap, RegionID: regionID, ResolvedTS: st.checkpoint})

	log.Warn().
		Uint64("conn_id", c.id).
		Uint64("region_id", regionID).
		Int("dropped", purged).
		Stringer("resume_ts", st.checkpoint).
		Msg("Subscriber queue full, region stream gapped")

	return st.detach
}

// End terminates a region stream with err. The end marker bypasses the
// capacity bound so termination is always delivered.
func (c *Conn) End(regionID uint64, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.streams[regionID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.streams, regionID)
	c.enqueueLocked(Event{Kind: KindEnd, RegionID: regionID, Err: err})
	c.mu.Unlock()
	signal(c.dataC)
}

// Recv waits for events and returns up to max of them in queue order.
// After the connection is closed it returns the close error.
func (c *Conn) Recv(ctx context.Context, max int) ([]Event, error) {
	if max <= 0 {
		max = 1
	}

	for {
		c.mu.Lock()
		if c.closed {
			err := c.closeErr
			c.mu.Unlock()
			return nil, err
		}
		if len(c.queue) > 0 {
			n := min(max, len(c.queue))
			batch := make([]Event, n)
			copy(batch, c.queue[:n])
			clear(c.queue[:n])
			c.queue = c.queue[n:]
			if len(c.queue) == 0 {
				c.queue = nil
			}
			for _, ev := range batch {
				if !ev.isMarker() {
					c.dataLen--
				}
				if ev.Kind == KindCheckpoint {
					if st, ok := c.streams[ev.RegionID]; ok {
						st.checkpoint = ev.ResolvedTS
					}
				}
				telemetry.SinkEventsTotal.With(ev.Kind.String()).Inc()
			}
			c.mu.Unlock()

			c.delivered.Add(uint64(n))
			signal(c.spaceC)
			return batch, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.dataC:
		case <-c.doneC:
		}
	}
}

// Close tears the connection down. Queued events are discarded and every
// attached stream's detach hook runs. The first error wins.
func (c *Conn) Close(err error) {
	c.mu.Lock()
	detach := c.closeLocked(err)
	c.mu.Unlock()
	runDetach(detach)
}

func (c *Conn) closeLocked(err error) func() {
	if c.closed {
		return nil
	}
	if err == nil {
		err = ErrClosed
	}
	c.closed = true
	c.closeErr = err
	c.queue = nil
	c.dataLen = 0
	close(c.doneC)

	hooks := make([]func(), 0, len(c.streams))
	for _, st := range c.streams {
		if st.detach != nil {
			hooks = append(hooks, st.detach)
		}
	}
	c.streams = make(map[uint64]*stream)

	return func() {
		for _, h := range hooks {
			h()
		}
	}
}

// Done is closed when the connection is torn down
func (c *Conn) Done() <-chan struct{} {
	return c.doneC
}

// Err returns the close error, nil while open
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}
	return c.closeErr
}

// Stats is a point-in-time view of a connection
type Stats struct {
	ID        uint64            `json:"id"`
	Policy    string            `json:"policy"`
	Capacity  int               `json:"capacity"`
	Queued    int               `json:"queued"`
	Delivered uint64            `json:"delivered"`
	Dropped   uint64            `json:"dropped"`
	Regions   map[uint64]string `json:"regions"` // region id -> last delivered checkpoint
	Closed    bool              `json:"closed"`
}

// Stats returns a snapshot of the connection's counters
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	regions := make(map[uint64]string, len(c.streams))
	for id, st := range c.streams {
		regions[id] = st.checkpoint.String()
	}
	return Stats{
		ID:        c.id,
		Policy:    string(c.opts.Policy),
		Capacity:  c.opts.Capacity,
		Queued:    c.dataLen,
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
		Regions:   regions,
		Closed:    c.closed,
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func runDetach(fn func()) {
	if fn != nil {
		fn()
	}
}
