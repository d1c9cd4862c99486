// Package sink delivers per-region change streams to subscribers through
// bounded, flow-controlled connections.
package sink

import (
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/hlc"
)

// Kind tags what an Event carries
type Kind uint8

const (
	// KindChange carries a change event
	KindChange Kind = iota + 1
	// KindCheckpoint carries a resolved timestamp
	KindCheckpoint
	// KindInitialized marks the end of the snapshot phase
	KindInitialized
	// KindGap ends a region stream after its events were dropped.
	// ResolvedTS is the checkpoint to resume from.
	KindGap
	// KindEnd ends a region stream with Err
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindChange:
		return "change"
	case KindCheckpoint:
		return "checkpoint"
	case KindInitialized:
		return "initialized"
	case KindGap:
		return "gap"
	case KindEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one item of a region stream
type Event struct {
	Kind       Kind
	RegionID   uint64
	Change     common.ChangeEvent
	ResolvedTS hlc.Timestamp
	Err        error
}

// isMarker reports whether the event terminates a stream. Markers never
// count against capacity and are never dropped.
func (e Event) isMarker() bool {
	return e.Kind == KindGap || e.Kind == KindEnd
}

// ChangeOf wraps a change event
func ChangeOf(ev common.ChangeEvent) Event {
	return Event{Kind: KindChange, RegionID: ev.RegionID, Change: ev}
}

// CheckpointOf wraps a checkpoint
func CheckpointOf(regionID uint64, ts hlc.Timestamp) Event {
	return Event{Kind: KindCheckpoint, RegionID: regionID, ResolvedTS: ts}
}

// InitializedOf marks a region stream as caught up
func InitializedOf(regionID uint64) Event {
	return Event{Kind: KindInitialized, RegionID: regionID}
}
