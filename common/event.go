package common

import (
	"github.com/maxpert/tidemark/hlc"
)

// OpKind is the effect a change event has on its key
type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpDelete
	OpRollback
)

func (o OpKind) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// ChangeEvent is a committed mutation (or, when configured, a rollback)
// delivered to subscribers. Value is nil for deletes and rollbacks.
type ChangeEvent struct {
	RegionID uint64        `msgpack:"region_id" json:"region_id"`
	Key      []byte        `msgpack:"key" json:"key"`
	Value    []byte        `msgpack:"value,omitempty" json:"value,omitempty"`
	Op       OpKind        `msgpack:"op" json:"op"`
	StartTS  hlc.Timestamp `msgpack:"start_ts" json:"start_ts"`
	CommitTS hlc.Timestamp `msgpack:"commit_ts" json:"commit_ts"`
}

// OrderTS is the timestamp the event sorts by in a region's stream.
// Rollbacks have no commit timestamp and sort at their start timestamp.
func (e ChangeEvent) OrderTS() hlc.Timestamp {
	if e.Op == OpRollback {
		return e.StartTS
	}
	return e.CommitTS
}

// Checkpoint promises that no event at or below ResolvedTS will follow
// for the region.
type Checkpoint struct {
	RegionID   uint64        `msgpack:"region_id" json:"region_id"`
	ResolvedTS hlc.Timestamp `msgpack:"resolved_ts" json:"resolved_ts"`
}
