package publisher

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/delegate"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/sink"
	"github.com/rs/zerolog/log"
)

const (
	defaultFeedBatch    = 512
	defaultSyncInterval = time.Second
	reopenDelay         = 100 * time.Millisecond
)

// Regions is the part of the delegate registry the feed subscribes through
type Regions interface {
	Range(fn func(d *delegate.Delegate) bool)
	Subscribe(conn delegate.Conn, req delegate.Request) (*future.Future[delegate.ScanResult], error)
}

// Conns opens subscriber connections
type Conns interface {
	Open() *sink.Conn
	Release(c *sink.Conn, err error)
}

// FeedConfig configures the in-process changefeed
type FeedConfig struct {
	NodeID       uint64
	Log          *PublishLog
	Regions      Regions
	Conns        Conns
	BatchSize    int
	SyncInterval time.Duration // How often new regions are picked up
}

// Feed subscribes to every region this node leads and appends the
// released changes to the publish log. Each region resumes from the last
// checkpoint the log saved for it; a region first seen after a split or
// merge resumes from the lowest checkpoint of the regions that ended that
// way, so nothing committed in between is lost.
type Feed struct {
	config FeedConfig

	checkpoints map[uint64]hlc.Timestamp
	dirty       map[uint64]hlc.Timestamp
	carry       hlc.Timestamp
	// resync is set when a region ended for a reason a fresh subscription
	// recovers from
	resync bool
}

// NewFeed creates a feed, loading saved checkpoints from the log
func NewFeed(config FeedConfig) (*Feed, error) {
	if config.Log == nil || config.Regions == nil || config.Conns == nil {
		return nil, errors.New("feed needs a log, regions and connections")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultFeedBatch
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaultSyncInterval
	}

	saved, err := config.Log.Checkpoints()
	if err != nil {
		return nil, errors.Wrap(err, "load region checkpoints")
	}
	f := &Feed{
		config:      config,
		checkpoints: saved,
		dirty:       make(map[uint64]hlc.Timestamp),
	}
	for _, ts := range saved {
		f.carry = lowest(f.carry, ts)
	}
	return f, nil
}

func lowest(a, b hlc.Timestamp) hlc.Timestamp {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	return hlc.Min(a, b)
}

// Checkpoint returns the saved checkpoint of a region
func (f *Feed) Checkpoint(regionID uint64) hlc.Timestamp {
	return f.checkpoints[regionID]
}

// Run feeds the log until ctx is done. A connection torn down by the
// sink layer is replaced.
func (f *Feed) Run(ctx context.Context) error {
	for {
		conn := f.config.Conns.Open()
		err := f.consume(ctx, conn)
		f.config.Conns.Release(conn, common.ErrShutdown)

		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Uint64("conn_id", conn.ID()).Msg("Publisher feed connection lost, reopening")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reopenDelay):
		}
	}
}

func (f *Feed) consume(ctx context.Context, conn *sink.Conn) error {
	f.sync(conn)
	lastSync := time.Now()

	for {
		recvCtx, cancel := context.WithTimeout(ctx, f.config.SyncInterval)
		batch, err := conn.Recv(recvCtx, f.config.BatchSize)
		cancel()

		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if len(batch) > 0 {
			if err := f.handle(batch); err != nil {
				return err
			}
		}
		if f.resync || time.Since(lastSync) >= f.config.SyncInterval {
			f.resync = false
			f.sync(conn)
			lastSync = time.Now()
		}
	}
}

// sync subscribes conn to every region it is not attached to yet
func (f *Feed) sync(conn *sink.Conn) {
	var regions []common.Region
	f.config.Regions.Range(func(d *delegate.Delegate) bool {
		if !conn.Attached(d.RegionID()) {
			regions = append(regions, d.Region())
		}
		return true
	})

	for _, region := range regions {
		resume, ok := f.checkpoints[region.ID]
		if !ok {
			resume = f.carry
		}
		_, err := f.config.Regions.Subscribe(conn, delegate.Request{
			RegionID: region.ID,
			Epoch:    region.Epoch,
			ResumeTS: resume,
		})
		if err != nil {
			log.Debug().Err(err).Uint64("region_id", region.ID).Msg("Publisher feed subscribe failed")
			continue
		}
		log.Debug().
			Uint64("region_id", region.ID).
			Stringer("resume_ts", resume).
			Msg("Publisher feed subscribed")
	}
}

// handle appends a batch's changes, then saves the checkpoints it carried
func (f *Feed) handle(batch []sink.Event) error {
	changes := make([]common.ChangeEvent, 0, len(batch))
	for _, ev := range batch {
		switch ev.Kind {
		case sink.KindChange:
			changes = append(changes, ev.Change)
		case sink.KindCheckpoint:
			if ev.ResolvedTS > f.checkpoints[ev.RegionID] {
				f.dirty[ev.RegionID] = ev.ResolvedTS
			}
		case sink.KindGap:
			// The stream is already detached; the next sync resumes it
			// from the saved checkpoint.
			log.Debug().Uint64("region_id", ev.RegionID).Msg("Publisher feed region gapped")
		case sink.KindEnd:
			if errors.Is(ev.Err, common.ErrRegionSplit) || errors.Is(ev.Err, common.ErrRegionMerged) {
				f.carry = lowest(f.carry, f.checkpoints[ev.RegionID])
			}
			if !common.IsStreamEnd(ev.Err) {
				log.Info().Err(ev.Err).Uint64("region_id", ev.RegionID).Msg("Publisher feed region closed")
				continue
			}
			f.resync = true
			log.Debug().Err(ev.Err).Uint64("region_id", ev.RegionID).Msg("Publisher feed region ended, resubscribing")
		}
	}

	if err := f.config.Log.Append(FromChanges(changes, f.config.NodeID)); err != nil {
		return errors.Wrap(err, "append changes")
	}
	if len(f.dirty) == 0 {
		return nil
	}
	if err := f.config.Log.SaveCheckpoints(f.dirty); err != nil {
		return errors.Wrap(err, "save checkpoints")
	}
	for id, ts := range f.dirty {
		f.checkpoints[id] = ts
		delete(f.dirty, id)
	}
	return nil
}
