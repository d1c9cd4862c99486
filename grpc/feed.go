package grpc

import (
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/delegate"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/sink"
	"github.com/maxpert/tidemark/telemetry"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	feedServiceName = "tidemark.cdc.ChangeData"
	eventFeedMethod = "/" + feedServiceName + "/EventFeed"
)

// ErrDeregistered ends a region stream the subscriber asked to stop
var ErrDeregistered = errors.New("stream deregistered by subscriber")

// FeedRequest subscribes (or, with Deregister, unsubscribes) one region on
// an EventFeed stream. Any number of requests may be sent on one stream.
type FeedRequest struct {
	RegionID   uint64        `msgpack:"region_id"`
	Epoch      common.Epoch  `msgpack:"epoch"`
	ResumeTS   hlc.Timestamp `msgpack:"resume_ts"`
	Deregister bool          `msgpack:"deregister,omitempty"`
}

// EventKind tags a FeedEvent
type EventKind uint8

const (
	EventEntries EventKind = iota + 1
	EventCheckpoint
	EventInitialized
	EventGap
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventEntries:
		return "entries"
	case EventCheckpoint:
		return "checkpoint"
	case EventInitialized:
		return "initialized"
	case EventGap:
		return "gap"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// FeedEvent is one item of a region stream on the wire. Consecutive
// changes of one region travel together in Entries.
type FeedEvent struct {
	Kind       EventKind            `msgpack:"kind"`
	RegionID   uint64               `msgpack:"region_id"`
	Entries    []common.ChangeEvent `msgpack:"entries,omitempty"`
	ResolvedTS hlc.Timestamp        `msgpack:"resolved_ts,omitempty"`
	Error      *FeedError           `msgpack:"error,omitempty"`
}

// FeedBatch is one streamed message
type FeedBatch struct {
	Events []FeedEvent `msgpack:"events"`
}

// FeedError carries a stream termination across the wire
type FeedError struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

var errorCodes = []struct {
	code string
	err  error
}{
	{"epoch_mismatch", common.ErrRegionEpochMismatch},
	{"not_leader", common.ErrNotLeader},
	{"region_split", common.ErrRegionSplit},
	{"region_merged", common.ErrRegionMerged},
	{"region_not_found", common.ErrRegionNotFound},
	{"overflow", common.ErrSubscriberOverflow},
	{"apply_order", common.ErrApplyOrderViolation},
	{"lock_below_resolved", common.ErrLockBelowResolved},
	{"stopped", common.ErrDelegateStopped},
	{"shutdown", common.ErrShutdown},
	{"deregistered", ErrDeregistered},
}

func encodeError(err error) *FeedError {
	if err == nil {
		return nil
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return &FeedError{Code: c.code, Message: err.Error()}
		}
	}
	return &FeedError{Code: "unknown", Message: err.Error()}
}

// Err rebuilds the error so errors.Is matches the original kind
func (e *FeedError) Err() error {
	if e == nil {
		return nil
	}
	for _, c := range errorCodes {
		if c.code == e.Code {
			return errors.Wrap(c.err, e.Message)
		}
	}
	return errors.New(e.Message)
}

// toWire converts a batch pulled from a connection
func toWire(batch []sink.Event) *FeedBatch {
	out := &FeedBatch{Events: make([]FeedEvent, 0, len(batch))}
	for _, ev := range batch {
		switch ev.Kind {
		case sink.KindChange:
			if n := len(out.Events); n > 0 {
				last := &out.Events[n-1]
				if last.Kind == EventEntries && last.RegionID == ev.RegionID {
					last.Entries = append(last.Entries, ev.Change)
					continue
				}
			}
			out.Events = append(out.Events, FeedEvent{
				Kind:     EventEntries,
				RegionID: ev.RegionID,
				Entries:  []common.ChangeEvent{ev.Change},
			})
		case sink.KindCheckpoint:
			out.Events = append(out.Events, FeedEvent{Kind: EventCheckpoint, RegionID: ev.RegionID, ResolvedTS: ev.ResolvedTS})
		case sink.KindInitialized:
			out.Events = append(out.Events, FeedEvent{Kind: EventInitialized, RegionID: ev.RegionID})
		case sink.KindGap:
			out.Events = append(out.Events, FeedEvent{Kind: EventGap, RegionID: ev.RegionID, ResolvedTS: ev.ResolvedTS})
		case sink.KindEnd:
			out.Events = append(out.Events, FeedEvent{Kind: EventError, RegionID: ev.RegionID, Error: encodeError(ev.Err)})
		}
	}
	return out
}

type changeDataServer interface {
	EventFeed(stream grpc.ServerStream) error
}

var feedServiceDesc = grpc.ServiceDesc{
	ServiceName: feedServiceName,
	HandlerType: (*changeDataServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "EventFeed",
			Handler:       eventFeedHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "cdc",
}

func eventFeedHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(changeDataServer).EventFeed(stream)
}

// feedStream serializes sends on one server stream
type feedStream struct {
	stream grpc.ServerStream
	mu     sync.Mutex
}

func (f *feedStream) send(b *FeedBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream.SendMsg(b)
}

// EventFeed serves one subscriber connection. Requests are read in the
// background; queued events are pushed out in batches until the client
// goes away or the connection is torn down.
func (s *Server) EventFeed(stream grpc.ServerStream) error {
	ctx := stream.Context()
	conn := s.hub.Open()
	defer s.hub.Release(conn, common.ErrShutdown)

	s.streams.Add(1)
	defer s.streams.Add(-1)

	out := &feedStream{stream: stream}
	go s.readRequests(out, conn)

	log.Debug().Uint64("conn_id", conn.ID()).Msg("Event feed opened")
	for {
		batch, err := conn.Recv(ctx, s.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return status.FromContextError(ctx.Err()).Err()
			}
			if errors.Is(err, common.ErrSubscriberOverflow) {
				return status.Error(codes.ResourceExhausted, err.Error())
			}
			return status.Error(codes.Aborted, err.Error())
		}
		if err := out.send(toWire(batch)); err != nil {
			return err
		}
	}
}

func (s *Server) readRequests(out *feedStream, conn *sink.Conn) {
	for {
		var req FeedRequest
		err := out.stream.RecvMsg(&req)
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Debug().Err(err).Uint64("conn_id", conn.ID()).Msg("Event feed request stream closed")
			return
		}

		if req.Deregister {
			s.registry.Unsubscribe(req.RegionID, conn.ID(), ErrDeregistered)
			continue
		}

		fut, err := s.registry.Subscribe(conn, delegate.Request{
			RegionID: req.RegionID,
			Epoch:    req.Epoch,
			ResumeTS: req.ResumeTS,
		})
		if err != nil {
			telemetry.SinkEventsTotal.With("rejected").Inc()
			reject := &FeedBatch{Events: []FeedEvent{{Kind: EventError, RegionID: req.RegionID, Error: encodeError(err)}}}
			if err := out.send(reject); err != nil {
				return
			}
			continue
		}

		go func(regionID uint64) {
			res, err := fut.Get()
			if err != nil {
				log.Debug().Err(err).Uint64("region_id", regionID).Uint64("conn_id", conn.ID()).Msg("Subscription catch-up failed")
				return
			}
			log.Debug().
				Uint64("region_id", regionID).
				Uint64("conn_id", conn.ID()).
				Str("path", res.Path).
				Int("keys", res.Keys).
				Msg("Subscription caught up")
		}(req.RegionID)
	}
}
