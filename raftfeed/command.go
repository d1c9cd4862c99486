package raftfeed

import (
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/encoding"
	"github.com/maxpert/tidemark/hlc"
)

// CommandKind selects what a replicated command does
type CommandKind uint8

const (
	// CommandWrite applies transactional mutations to one region
	CommandWrite CommandKind = iota + 1
	// CommandTick is an empty entry that moves an idle region's applied ts
	CommandTick
	// CommandSplit cuts a region in two at SplitKey
	CommandSplit
	// CommandMerge folds SourceID into RegionID
	CommandMerge
)

func (k CommandKind) String() string {
	switch k {
	case CommandWrite:
		return "write"
	case CommandTick:
		return "tick"
	case CommandSplit:
		return "split"
	case CommandMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// Command is the payload of one raft log entry
type Command struct {
	Kind      CommandKind       `msgpack:"kind"`
	RegionID  uint64            `msgpack:"region_id"`
	Epoch     common.Epoch      `msgpack:"epoch"` // zero skips the epoch check
	TS        hlc.Timestamp     `msgpack:"ts"`
	Mutations []common.Mutation `msgpack:"mutations,omitempty"`

	SplitKey    []byte `msgpack:"split_key,omitempty"`
	NewRegionID uint64 `msgpack:"new_region_id,omitempty"`
	SourceID    uint64 `msgpack:"source_id,omitempty"`
}

func encodeCommand(c *Command) ([]byte, error) {
	return encoding.Marshal(c)
}

func decodeCommand(data []byte) (*Command, error) {
	var c Command
	if err := encoding.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Result is what a successfully applied command returns to its proposer
type Result struct {
	Entry   *common.Entry
	Regions []common.Region
}
