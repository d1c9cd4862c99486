package publisher

import "github.com/maxpert/tidemark/common"

// FromChanges converts streamed changes to publish log events. Rollbacks
// carry no data and are skipped; sequence numbers are assigned by the log.
func FromChanges(changes []common.ChangeEvent, nodeID uint64) []Event {
	events := make([]Event, 0, len(changes))
	for _, ch := range changes {
		if ch.Op != common.OpPut && ch.Op != common.OpDelete {
			continue
		}
		events = append(events, Event{
			RegionID: ch.RegionID,
			Key:      ch.Key,
			Value:    ch.Value,
			Op:       ch.Op,
			StartTS:  ch.StartTS,
			CommitTS: ch.CommitTS,
			NodeID:   nodeID,
		})
	}
	return events
}
