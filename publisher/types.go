package publisher

import (
	"context"

	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/hlc"
)

// Event is one committed change in the publish log
type Event struct {
	SeqNum   uint64        `msgpack:"seq"`    // Monotonic sequence
	RegionID uint64        `msgpack:"region"` // Region the change was captured from
	Key      []byte        `msgpack:"key"`
	Value    []byte        `msgpack:"value,omitempty"`
	Op       common.OpKind `msgpack:"op"`
	StartTS  hlc.Timestamp `msgpack:"start_ts"`
	CommitTS hlc.Timestamp `msgpack:"commit_ts"`
	NodeID   uint64        `msgpack:"node"` // Capturing node
}

// Message is one record handed to a sink. A nil Value is a tombstone.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Sink represents a destination for change events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a message to the sink
	Publish(ctx context.Context, msg Message) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts events to sink-specific formats
type Transformer interface {
	// Transform converts an event to bytes for publishing
	Transform(event Event) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if changes to key should be published
	Match(key []byte) bool
}
