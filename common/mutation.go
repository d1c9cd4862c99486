package common

import (
	"github.com/maxpert/tidemark/hlc"
)

// MutationKind is the Percolator step a replicated write performs
type MutationKind uint8

const (
	MutationPrewrite MutationKind = iota + 1
	MutationCommit
	MutationRollback
)

func (k MutationKind) String() string {
	switch k {
	case MutationPrewrite:
		return "prewrite"
	case MutationCommit:
		return "commit"
	case MutationRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Mutation is one key's write inside a replicated entry.
//
// A prewrite carries the provisional Op and Value. A commit carries
// CommitTS; the applier copies Op and Value over from the lock it
// consumed. A rollback carries only StartTS.
type Mutation struct {
	Kind     MutationKind  `msgpack:"kind"`
	Key      []byte        `msgpack:"key"`
	Value    []byte        `msgpack:"value,omitempty"`
	Op       OpKind        `msgpack:"op,omitempty"`
	StartTS  hlc.Timestamp `msgpack:"start_ts"`
	CommitTS hlc.Timestamp `msgpack:"commit_ts,omitempty"`
}

// Entry is a committed Raft log entry as seen by the apply pipeline
type Entry struct {
	RegionID  uint64        `msgpack:"region_id"`
	Epoch     Epoch         `msgpack:"epoch"`
	Index     uint64        `msgpack:"index"`
	Term      uint64        `msgpack:"term"`
	TS        hlc.Timestamp `msgpack:"ts"` // apply timestamp, >= every commit_ts in Mutations
	Mutations []Mutation    `msgpack:"mutations"`
}

// Lock is an open (start_ts, key) pair
type Lock struct {
	Key     []byte        `msgpack:"key"`
	StartTS hlc.Timestamp `msgpack:"start_ts"`
	Op      OpKind        `msgpack:"op"`
	Value   []byte        `msgpack:"value,omitempty"`
}
