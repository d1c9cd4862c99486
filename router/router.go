// Package router spreads applied entries of many regions over a fixed pool
// of apply workers while keeping each region's entries in order.
package router

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned once the router has shut down
var ErrStopped = errors.New("router stopped")

// Handler processes one entry on a worker
type Handler func(entry *common.Entry) error

// Options configure the router
type Options struct {
	Workers   int
	QueueSize int
}

// OptionsFromConfig builds router options from the configuration
func OptionsFromConfig(c cfg.RouterConfiguration) Options {
	return Options{Workers: c.Workers, QueueSize: c.QueueSize}
}

type task struct {
	regionID uint64
	entry    *common.Entry
	barrier  *future.Promise[struct{}]
}

// route is a region's worker assignment. While moving, new tasks wait in
// pending until everything already sent to the old worker is done, then
// go to next in arrival order.
type route struct {
	worker   int
	next     int
	moving   bool
	inflight int
	pending  []task
}

// Router dispatches entries to workers by region affinity. Send must not
// be called concurrently for the same region.
type Router struct {
	handler Handler
	queues  []chan task

	mu     sync.Mutex
	routes map[uint64]*route

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped atomic.Bool

	processed atomic.Uint64
	failed    atomic.Uint64
}

// New creates a router. Start must be called before Send.
func New(handler Handler, opts Options) *Router {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	queues := make([]chan task, opts.Workers)
	for i := range queues {
		queues[i] = make(chan task, opts.QueueSize)
	}
	return &Router{
		handler: handler,
		queues:  queues,
		routes:  make(map[uint64]*route),
	}
}

// Start launches the workers. They run until Stop or ctx is done.
func (r *Router) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.group, r.ctx = errgroup.WithContext(r.ctx)
	for i := range r.queues {
		id := i
		r.group.Go(func() error {
			return r.work(id)
		})
	}
	log.Info().Int("workers", len(r.queues)).Msg("Apply router started")
}

// Stop cancels the workers and waits for them
func (r *Router) Stop() error {
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()
	err := r.group.Wait()

	// Fail barriers nobody will reach
	for _, q := range r.queues {
		for drained := false; !drained; {
			select {
			case t := <-q:
				if t.barrier != nil {
					t.barrier.Set(struct{}{}, ErrStopped)
				}
			default:
				drained = true
			}
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Home returns the worker a region is assigned to when it first appears
func (r *Router) Home(regionID uint64) int {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], regionID)
	return int(xxhash.Sum64(b[:]) % uint64(len(r.queues)))
}

func (r *Router) routeLocked(regionID uint64) *route {
	rt, ok := r.routes[regionID]
	if !ok {
		rt = &route{worker: r.Home(regionID)}
		r.routes[regionID] = rt
	}
	return rt
}

// Send queues an entry for its region's worker
func (r *Router) Send(entry *common.Entry) error {
	return r.dispatch(task{regionID: entry.RegionID, entry: entry})
}

// Barrier returns a future that completes once every entry sent for the
// region before the call has been handled
func (r *Router) Barrier(regionID uint64) (*future.Future[struct{}], error) {
	p := future.NewPromise[struct{}]()
	if err := r.dispatch(task{regionID: regionID, barrier: p}); err != nil {
		return nil, err
	}
	return p.Future(), nil
}

func (r *Router) dispatch(t task) error {
	if r.stopped.Load() {
		return ErrStopped
	}

	r.mu.Lock()
	rt := r.routeLocked(t.regionID)
	if rt.moving {
		rt.pending = append(rt.pending, t)
		r.mu.Unlock()
		telemetry.RouterPendingMessages.Inc()
		return nil
	}
	rt.inflight++
	q := r.queues[rt.worker]
	r.mu.Unlock()

	return r.enqueue(q, t)
}

func (r *Router) enqueue(q chan task, t task) error {
	select {
	case q <- t:
		return nil
	case <-r.ctx.Done():
		if t.barrier != nil {
			t.barrier.Set(struct{}{}, ErrStopped)
		}
		return ErrStopped
	}
}

// Reschedule moves a region to another worker. Entries already queued on
// the current worker finish there first.
func (r *Router) Reschedule(regionID uint64, worker int) error {
	if worker < 0 || worker >= len(r.queues) {
		return errors.Newf("worker %d out of range [0, %d)", worker, len(r.queues))
	}

	r.mu.Lock()
	rt := r.routeLocked(regionID)
	if rt.moving || rt.worker == worker {
		r.mu.Unlock()
		return nil
	}
	rt.moving = true
	rt.next = worker
	idle := rt.inflight == 0
	r.mu.Unlock()

	telemetry.RouterReschedulesTotal.Inc()
	log.Debug().
		Uint64("region_id", regionID).
		Int("worker", worker).
		Msg("Starting region reschedule")

	if idle {
		go r.finishMove(regionID)
	}
	return nil
}

// finishMove switches the region to its new worker and forwards what
// queued up meanwhile. New tasks keep queueing behind until pending is
// empty, so arrival order holds.
func (r *Router) finishMove(regionID uint64) {
	for {
		r.mu.Lock()
		rt := r.routes[regionID]
		if rt == nil || !rt.moving {
			r.mu.Unlock()
			return
		}
		rt.worker = rt.next
		batch := rt.pending
		rt.pending = nil
		if len(batch) == 0 {
			rt.moving = false
			r.mu.Unlock()
			log.Debug().
				Uint64("region_id", regionID).
				Int("worker", rt.worker).
				Msg("Finished region reschedule")
			return
		}
		rt.inflight += len(batch)
		q := r.queues[rt.worker]
		r.mu.Unlock()

		telemetry.RouterPendingMessages.Sub(float64(len(batch)))
		for _, t := range batch {
			if err := r.enqueue(q, t); err != nil {
				return
			}
		}
	}
}

func (r *Router) work(id int) error {
	q := r.queues[id]
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		case t := <-q:
			r.handle(t)
			r.done(t.regionID)
		}
	}
}

func (r *Router) handle(t task) {
	if t.barrier != nil {
		t.barrier.Set(struct{}{}, nil)
		return
	}
	r.processed.Add(1)
	if err := r.handler(t.entry); err != nil {
		r.failed.Add(1)
		log.Error().
			Err(err).
			Uint64("region_id", t.regionID).
			Uint64("index", t.entry.Index).
			Msg("Apply handler failed")
	}
}

func (r *Router) done(regionID uint64) {
	r.mu.Lock()
	rt := r.routes[regionID]
	rt.inflight--
	drained := rt.moving && rt.inflight == 0
	r.mu.Unlock()

	if drained {
		go r.finishMove(regionID)
	}
}

// Forget drops a region's assignment, e.g. after it was destroyed
func (r *Router) Forget(regionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.routes[regionID]; ok && !rt.moving && rt.inflight == 0 {
		delete(r.routes, regionID)
	}
}

// Stats is a point-in-time view of the router
type Stats struct {
	Workers   int    `json:"workers"`
	Regions   int    `json:"regions"`
	Moving    int    `json:"moving"`
	Pending   int    `json:"pending"`
	Queued    []int  `json:"queued"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

// Stats returns the router's counters
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Workers:   len(r.queues),
		Regions:   len(r.routes),
		Queued:    make([]int, len(r.queues)),
		Processed: r.processed.Load(),
		Failed:    r.failed.Load(),
	}
	for i, q := range r.queues {
		s.Queued[i] = len(q)
	}
	for _, rt := range r.routes {
		if rt.moving {
			s.Moving++
			s.Pending += len(rt.pending)
		}
	}
	return s
}

// Worker returns the worker currently serving a region
func (r *Router) Worker(regionID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routeLocked(regionID).worker
}

// QueuedEvents returns the number of tasks waiting in worker queues
func (r *Router) QueuedEvents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, q := range r.queues {
		total += len(q)
	}
	return total
}
