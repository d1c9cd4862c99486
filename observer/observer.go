// Package observer is the hook the replication layer calls as it applies
// entries and changes region topology.
package observer

import (
	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/registry"
	"github.com/rs/zerolog/log"
)

// Observer receives apply-path notifications. Calls for one region arrive
// in log order and never concurrently.
type Observer interface {
	// OnApply runs after the entry is durable in the engine
	OnApply(entry *common.Entry) error
	OnSplit(parentID uint64, children []common.Region) error
	OnMerge(sourceID uint64, merged common.Region) error
	// OnRoleChange reports leadership of region gained or lost
	OnRoleChange(region common.Region, leader bool) error
	OnDestroy(regionID uint64)
}

// Chain fans notifications out to several observers in order. The first
// error stops the chain.
type Chain []Observer

func (c Chain) OnApply(entry *common.Entry) error {
	for _, o := range c {
		if err := o.OnApply(entry); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) OnSplit(parentID uint64, children []common.Region) error {
	for _, o := range c {
		if err := o.OnSplit(parentID, children); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) OnMerge(sourceID uint64, merged common.Region) error {
	for _, o := range c {
		if err := o.OnMerge(sourceID, merged); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) OnRoleChange(region common.Region, leader bool) error {
	for _, o := range c {
		if err := o.OnRoleChange(region, leader); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) OnDestroy(regionID uint64) {
	for _, o := range c {
		o.OnDestroy(regionID)
	}
}

// CDC routes notifications to the region delegates of a registry. Regions
// this node does not lead have no delegate and are skipped.
type CDC struct {
	reg *registry.Registry
}

// NewCDC creates the change capture observer
func NewCDC(reg *registry.Registry) *CDC {
	return &CDC{reg: reg}
}

func (o *CDC) OnApply(entry *common.Entry) error {
	err := o.reg.Apply(entry)
	if errors.Is(err, common.ErrRegionNotFound) {
		return nil
	}
	return err
}

func (o *CDC) OnSplit(parentID uint64, children []common.Region) error {
	if _, ok := o.reg.Get(parentID); !ok {
		return nil
	}
	_, err := o.reg.Split(parentID, children)
	return err
}

func (o *CDC) OnMerge(sourceID uint64, merged common.Region) error {
	_, haveTarget := o.reg.Get(merged.ID)
	_, haveSource := o.reg.Get(sourceID)
	switch {
	case haveTarget && haveSource:
		return o.reg.Merge(sourceID, merged)
	case haveSource:
		// Target is led elsewhere; the source's streams move with it
		o.reg.Deregister(sourceID, errors.Wrapf(common.ErrRegionMerged,
			"region %d merged into %d", sourceID, merged.ID))
	case haveTarget:
		// Source locks are unknown here; rebuild the target from the engine
		o.reg.Deregister(merged.ID, errors.Wrapf(common.ErrRegionMerged,
			"region %d merged into %d", sourceID, merged.ID))
		_, err := o.reg.Register(merged)
		return err
	}
	return nil
}

func (o *CDC) OnRoleChange(region common.Region, leader bool) error {
	if leader {
		_, err := o.reg.Register(region)
		return err
	}
	o.reg.Deregister(region.ID, errors.Wrapf(common.ErrNotLeader, "region %d", region.ID))
	return nil
}

func (o *CDC) OnDestroy(regionID uint64) {
	if o.reg.Deregister(regionID, errors.Wrapf(common.ErrRegionNotFound, "region %d destroyed", regionID)) {
		log.Info().Uint64("region_id", regionID).Msg("Region destroyed")
	}
}
