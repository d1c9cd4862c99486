package registry

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/delegate"
	"github.com/maxpert/tidemark/engine"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Store is the part of the storage engine the registry seeds delegates from
type Store interface {
	delegate.Source
	AppliedState(regionID uint64) (engine.AppliedState, bool, error)
	ScanLocks(region common.Region) ([]common.Lock, error)
}

// Options configure a registry
type Options struct {
	Delegate    delegate.Options
	SplitPolicy cfg.SplitPolicy
}

// OptionsFromConfig builds registry options from the configuration
func OptionsFromConfig(c *cfg.Configuration) Options {
	return Options{
		Delegate:    delegate.OptionsFromConfig(c),
		SplitPolicy: c.CDC.SplitPolicy,
	}
}

type record struct {
	d *delegate.Delegate
	// token changes every time the region's delegate is replaced, so a
	// caller holding an old token can tell its delegate went away.
	token uint64
}

// Registry owns the delegates of the regions led by this node, keyed by
// region id. Readers (apply path, advancer, subscribe) go through the
// lock-free map; lifecycle changes are serialized by mu.
type Registry struct {
	store Store
	opts  Options

	regions *xsync.MapOf[uint64, record]

	mu        sync.Mutex
	nextToken uint64
	closed    bool
}

// New creates an empty registry
func New(store Store, opts Options) *Registry {
	return &Registry{
		store:   store,
		opts:    opts,
		regions: xsync.NewMapOf[uint64, record](),
	}
}

// Register creates the delegate for region, seeding it with the engine's
// applied state and open locks. Registering the same epoch again returns
// the existing delegate; a newer epoch replaces a stale delegate.
func (r *Registry) Register(region common.Region) (*delegate.Delegate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, common.ErrShutdown
	}
	if rec, ok := r.regions.Load(region.ID); ok {
		current := rec.d.Region()
		switch {
		case current.Epoch.Equal(region.Epoch):
			return rec.d, nil
		case region.Epoch.StaleComparedTo(current.Epoch):
			return nil, errors.Wrapf(common.ErrRegionEpochMismatch,
				"register region %d at %s, have %s", region.ID, region.Epoch, current.Epoch)
		}
		rec.d.Stop(errors.Wrapf(common.ErrRegionEpochMismatch,
			"region %d re-registered at %s", region.ID, region.Epoch))
	}

	d, err := r.seedLocked(region, 0)
	if err != nil {
		return nil, err
	}
	r.storeLocked(d)
	telemetry.RegionLifecycleTotal.With("register").Inc()

	log.Info().
		Uint64("region_id", region.ID).
		Stringer("epoch", region.Epoch).
		Stringer("applied_ts", d.AppliedTS()).
		Int("locks", d.Stats().Locks).
		Msg("Region registered")
	return d, nil
}

func (r *Registry) seedLocked(region common.Region, resolved hlc.Timestamp) (*delegate.Delegate, error) {
	state, _, err := r.store.AppliedState(region.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "applied state of region %d", region.ID)
	}
	locks, err := r.store.ScanLocks(region)
	if err != nil {
		return nil, errors.Wrapf(err, "lock scan of region %d", region.ID)
	}
	return delegate.New(delegate.Seed{
		Region:       region,
		AppliedTS:    state.TS,
		AppliedIndex: state.Index,
		Locks:        locks,
		Resolved:     resolved,
	}, r.store, r.opts.Delegate), nil
}

func (r *Registry) storeLocked(d *delegate.Delegate) {
	r.nextToken++
	r.regions.Store(d.RegionID(), record{d: d, token: r.nextToken})
}

// Deregister stops the region's delegate, ending its streams with err
func (r *Registry) Deregister(regionID uint64, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.regions.LoadAndDelete(regionID)
	if !ok {
		return false
	}
	rec.d.Stop(err)
	telemetry.RegionLifecycleTotal.With("deregister").Inc()

	log.Info().
		Uint64("region_id", regionID).
		Err(err).
		Msg("Region deregistered")
	return true
}

// Get returns the delegate of a region
func (r *Registry) Get(regionID uint64) (*delegate.Delegate, bool) {
	rec, ok := r.regions.Load(regionID)
	if !ok {
		return nil, false
	}
	return rec.d, true
}

// Lookup returns the region's delegate if it is registered at epoch
func (r *Registry) Lookup(regionID uint64, epoch common.Epoch) (*delegate.Delegate, error) {
	rec, ok := r.regions.Load(regionID)
	if !ok {
		return nil, errors.Wrapf(common.ErrRegionNotFound, "region %d", regionID)
	}
	if current := rec.d.Region().Epoch; !current.Equal(epoch) {
		return nil, errors.Wrapf(common.ErrRegionEpochMismatch,
			"region %d is at %s, got %s", regionID, current, epoch)
	}
	return rec.d, nil
}

// Token returns the current registration token of a region
func (r *Registry) Token(regionID uint64) (uint64, bool) {
	rec, ok := r.regions.Load(regionID)
	return rec.token, ok
}

// Apply hands an applied entry to its region's delegate. A fatal apply
// error tears the delegate down and rebuilds it from the engine, which has
// already applied the entry.
func (r *Registry) Apply(entry *common.Entry) error {
	rec, ok := r.regions.Load(entry.RegionID)
	if !ok {
		return errors.Wrapf(common.ErrRegionNotFound, "apply to region %d", entry.RegionID)
	}
	err := rec.d.Apply(entry)
	if err == nil || !common.IsFatalForDelegate(err) {
		return err
	}
	return r.restart(rec, entry, err)
}

func (r *Registry) restart(rec record, entry *common.Entry, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.regions.Load(entry.RegionID)
	if !ok || current.token != rec.token {
		return nil
	}

	old := rec.d
	region := old.Region()
	resolved := old.Resolved()
	old.Stop(cause)

	d, err := r.seedLocked(region, resolved)
	if err != nil {
		r.regions.Delete(region.ID)
		return errors.CombineErrors(cause, err)
	}
	r.storeLocked(d)

	reason := "apply_order"
	if errors.Is(cause, common.ErrLockBelowResolved) {
		reason = "lock_below_resolved"
	}
	telemetry.DelegateRestartsTotal.With(reason).Inc()

	log.Error().
		Err(cause).
		Uint64("region_id", region.ID).
		Uint64("index", entry.Index).
		Stringer("resolved_ts", resolved).
		Int("locks", d.Stats().Locks).
		Msg("Delegate restarted after apply violation")
	return nil
}

// Split replaces parent with the delegates of children. Under the migrate
// policy the parent's subscribers are resubscribed on every child from
// their last checkpoint.
func (r *Registry) Split(parentID uint64, children []common.Region) ([]*delegate.Delegate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.regions.Load(parentID)
	if !ok {
		return nil, errors.Wrapf(common.ErrRegionNotFound, "split of region %d", parentID)
	}
	out, handoffs, err := rec.d.Split(children)
	if err != nil {
		return nil, err
	}
	r.regions.Delete(parentID)
	for _, d := range out {
		r.storeLocked(d)
	}
	telemetry.RegionLifecycleTotal.With("split").Inc()

	if r.opts.SplitPolicy == cfg.SplitMigrate {
		for _, h := range handoffs {
			for _, d := range out {
				region := d.Region()
				_, err := d.Subscribe(h.Conn, delegate.Request{
					RegionID: region.ID,
					Epoch:    region.Epoch,
					ResumeTS: h.ResumeTS,
				})
				if err != nil {
					log.Warn().
						Err(err).
						Uint64("conn_id", h.Conn.ID()).
						Uint64("region_id", region.ID).
						Msg("Could not migrate subscriber to split child")
				}
			}
		}
	}
	return out, nil
}

// Merge folds the source region into the delegate that takes over merged
func (r *Registry) Merge(sourceID uint64, merged common.Region) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.regions.Load(merged.ID)
	if !ok {
		return errors.Wrapf(common.ErrRegionNotFound, "merge target %d", merged.ID)
	}
	source, ok := r.regions.Load(sourceID)
	if !ok {
		return errors.Wrapf(common.ErrRegionNotFound, "merge source %d", sourceID)
	}
	if err := delegate.Merge(target.d, source.d, merged); err != nil {
		return err
	}
	r.regions.Delete(sourceID)
	r.storeLocked(target.d)
	telemetry.RegionLifecycleTotal.With("merge").Inc()
	return nil
}

// Subscribe attaches conn to the region named in req
func (r *Registry) Subscribe(conn delegate.Conn, req delegate.Request) (*future.Future[delegate.ScanResult], error) {
	d, err := r.Lookup(req.RegionID, req.Epoch)
	if err != nil {
		return nil, err
	}
	return d.Subscribe(conn, req)
}

// Unsubscribe detaches conn from a region
func (r *Registry) Unsubscribe(regionID, connID uint64, err error) bool {
	d, ok := r.Get(regionID)
	if !ok {
		return false
	}
	return d.Unsubscribe(connID, err)
}

// Range calls fn for every registered delegate until it returns false
func (r *Registry) Range(fn func(d *delegate.Delegate) bool) {
	r.regions.Range(func(_ uint64, rec record) bool {
		return fn(rec.d)
	})
}

// Len returns the number of registered regions
func (r *Registry) Len() int {
	return r.regions.Size()
}

// Stats returns every delegate's stats ordered by region id
func (r *Registry) Stats() []delegate.Stats {
	out := make([]delegate.Stats, 0, r.regions.Size())
	r.Range(func(d *delegate.Delegate) bool {
		out = append(out, d.Stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out
}

// Close stops every delegate with err and refuses new registrations
func (r *Registry) Close(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.regions.Range(func(id uint64, rec record) bool {
		rec.d.Stop(err)
		r.regions.Delete(id)
		return true
	})
}
