package delegate

import (
	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/resolver"
	"github.com/rs/zerolog/log"
)

// Handoff is a parent subscriber that may continue on a split's children
// from its last checkpoint
type Handoff struct {
	Conn     Conn
	ResumeTS hlc.Timestamp
}

// Split divides the delegate along children, which must tile its range.
// Each child gets the locks, buffered events and window entries in its
// range, and starts at the parent's resolved ts. The parent stops: its
// subscribers are ended with common.ErrRegionSplit and returned so the
// caller can move them onto the children.
func (d *Delegate) Split(children []common.Region) ([]*Delegate, []Handoff, error) {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == StateStopped {
		return nil, nil, errors.Wrapf(common.ErrDelegateStopped, "split of region %d", d.region.ID)
	}
	if err := common.ValidateSplit(d.region, children); err != nil {
		return nil, nil, err
	}

	resolved := d.res().Resolved()
	buffered := d.buffer.items()
	out := make([]*Delegate, 0, len(children))
	for _, child := range children {
		inRange := child.ContainsKey
		cd := newDelegate(child, d.tracker.Split(inRange), resolved, d.AppliedTS(), 0,
			d.window.filter(child.ID, inRange), d.source, d.opts)
		cd.seq = d.seq
		cd.releasedTS = d.releasedTS
		for _, p := range buffered {
			if inRange(p.ev.Key) {
				cd.buffer.add(inherit(p, child.ID))
			}
		}
		cd.releaseLocked()
		out = append(out, cd)
	}

	handoffs := make([]Handoff, 0, len(d.subs))
	for _, sub := range d.subs {
		handoffs = append(handoffs, Handoff{Conn: sub.conn, ResumeTS: hlc.Timestamp(sub.lastCheckpoint.Load())})
	}

	ids := make([]uint64, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}
	d.stopLocked(errors.Wrapf(common.ErrRegionSplit, "region %d split into %v", d.region.ID, ids))

	log.Info().
		Uint64("region_id", d.region.ID).
		Uints64("children", ids).
		Stringer("resolved_ts", resolved).
		Int("subscribers", len(handoffs)).
		Msg("Region split")
	return out, handoffs, nil
}

// Merge folds source into target, which takes over merged (target's id,
// the union range and a newer epoch). Target absorbs source's locks,
// buffered events and window; its resolved ts becomes the smaller of the
// two. Subscribers of both are ended with common.ErrRegionMerged and
// source stops.
func Merge(target, source *Delegate, merged common.Region) error {
	if target == source {
		return errors.AssertionFailedf("region merged into itself")
	}

	// Lock in region id order so concurrent merges cannot deadlock
	first, second := target, source
	if source.regionID < target.regionID {
		first, second = source, target
	}
	first.lifeMu.Lock()
	defer first.lifeMu.Unlock()
	second.lifeMu.Lock()
	defer second.lifeMu.Unlock()
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if target.State() == StateStopped || source.State() == StateStopped {
		return errors.Wrapf(common.ErrDelegateStopped, "merge of region %d into %d", source.region.ID, target.region.ID)
	}
	if err := common.ValidateMerge(target.region, source.region, merged); err != nil {
		return err
	}

	resolved := hlc.Min(target.res().Resolved(), source.res().Resolved())
	target.tracker.Absorb(source.tracker)
	target.current.Store(resolver.NewResolver(target.tracker, resolved))

	for _, p := range source.buffer.items() {
		target.seq++
		p.seq = target.seq
		target.buffer.add(inherit(p, target.region.ID))
	}
	target.window.absorb(target.region.ID, source.window)
	if source.AppliedTS() > target.AppliedTS() {
		target.appliedTS.Store(uint64(source.AppliedTS()))
	}
	target.releasedTS = hlc.Min(target.releasedTS, source.releasedTS)

	mergeErr := errors.Wrapf(common.ErrRegionMerged, "region %d merged into %d", source.region.ID, target.region.ID)
	for _, sub := range target.subs {
		target.endSubLocked(sub, mergeErr)
	}
	source.stopLocked(mergeErr)

	target.region = merged.Clone()
	target.state.Store(int32(StateUninitialized))
	target.releaseLocked()

	log.Info().
		Uint64("region_id", target.region.ID).
		Uint64("source_id", source.region.ID).
		Stringer("epoch", target.region.Epoch).
		Stringer("resolved_ts", resolved).
		Msg("Region merged")
	return nil
}
