// Package publisher exports committed changes to external systems.
//
// A Feed subscribes to every region the node leads through an ordinary
// subscriber connection and appends the released changes to a
// Pebble-backed PublishLog. Workers drain the log into sinks (Kafka, NATS
// JetStream), each tracking its own cursor. A worker only exports events
// whose commit ts is at or below the node-wide resolved ts signalled on
// the notify hub, so downstream consumers never see a change that a later
// commit could still precede.
//
// Key prefixes:
//
//	/publog/{seq:016x}       -> msgpack(Event)
//	/pubcursor/{sinkName}    -> uint64 (cursor)
//	/pubseq                  -> uint64 (last sequence)
//	/pubregion/{regionID}    -> uint64 (last captured checkpoint)
//
// Region checkpoints are saved after the events they cover, so a restarted
// feed resumes each region with an incremental scan instead of a full
// snapshot. Delivery to sinks is at least once.
//
// Sinks and formats register themselves by name; import the sink and
// transformer packages for their side effects:
//
//	import (
//		_ "github.com/maxpert/tidemark/publisher/sink"
//		_ "github.com/maxpert/tidemark/publisher/transformer"
//	)
//
// GlobFilter selects keys with glob patterns:
//
//	filter, err := NewGlobFilter([]string{"user/*", "order/*"})
//	if filter.Match([]byte("user/42")) {
//		// Publish event
//	}
//
// Log cleanup runs every 128 cursor advances and deletes the events every
// sink has consumed.
package publisher
