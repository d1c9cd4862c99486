package publisher

import (
	"context"
	"encoding/base64"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/notify"
	"github.com/maxpert/tidemark/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default batch size for reading events per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 100
	// Default topic when no prefix is configured
	DefaultTopic = "tidemark.cdc"
	// Default bound on a single publish attempt
	DefaultPublishTimeout = 10 * time.Second
)

var errWorkerStopped = errors.New("worker stopped during retry")

// WorkerConfig configures the publisher worker
type WorkerConfig struct {
	Name        string      // Sink name (for cursor tracking)
	Log         *PublishLog // Publish log to read from
	Sink        Sink        // Destination sink
	Transformer Transformer // Event transformer
	Filter      Filter      // Event filter
	// Watermark gates the export: only events committed at or below the
	// node-wide resolved ts it carries are published. Nil disables gating.
	Watermark       *notify.Hub
	TopicPrefix     string        // Topic name (e.g., "tidemark.cdc")
	BatchSize       int           // Events per poll cycle
	PollInterval    time.Duration // Poll interval
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum retry attempts
	PublishTimeout  time.Duration // Bound on one publish attempt
}

// Worker polls the PublishLog and publishes events to a sink
type Worker struct {
	config      WorkerConfig
	cursor      atomic.Uint64 // Current position
	stopCh      chan struct{} // Stop signal
	doneCh      chan struct{} // Done signal
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations

	signals <-chan notify.Signal
	cancel  func()
}

// NewWorker creates a new publisher worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, errors.New("worker name is required")
	}
	if config.Log == nil {
		return nil, errors.New("publish log is required")
	}
	if config.Sink == nil {
		return nil, errors.New("sink is required")
	}
	if config.Transformer == nil {
		return nil, errors.New("transformer is required")
	}
	if config.Filter == nil {
		return nil, errors.New("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultPublishTimeout
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultTopic
	}

	cursor, err := config.Log.GetCursor(config.Name)
	if err != nil {
		return nil, errors.Wrap(err, "get cursor")
	}

	// If cursor is 0 (new sink), find earliest available entry
	if cursor == 0 {
		earliest, err := findEarliestEntry(config.Log)
		if err != nil {
			return nil, errors.Wrap(err, "find earliest entry")
		}
		cursor = earliest
	}

	w := &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.cursor.Store(cursor)
	return w, nil
}

// findEarliestEntry finds the earliest available entry in the log
func findEarliestEntry(pubLog *PublishLog) (uint64, error) {
	events, err := pubLog.ReadFrom(0, 1)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	// ReadFrom reads from cursor+1, so the cursor sits just before it
	return events[0].SeqNum - 1, nil
}

// keyForSink converts a binary key to a string for sink compatibility
// Uses base64url encoding (URL-safe, no padding) for compact representation
func keyForSink(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// Name returns the sink name
func (w *Worker) Name() string {
	return w.config.Name
}

// Cursor returns the sequence of the last event handled
func (w *Worker) Cursor() uint64 {
	return w.cursor.Load()
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	if w.config.Watermark != nil {
		w.signals, w.cancel = w.config.Watermark.Subscribe(notify.Filter{Regions: []uint64{notify.NodeRegion}})
	}

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor.Load()).
		Msg("Starting publisher worker")

	go w.pollLoop(w.cursor.Load())
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping publisher worker")

	close(w.stopCh)
	<-w.doneCh
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
		w.signals = nil
	}
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Publisher worker stopped")
}

// watermark returns the highest commit ts the worker may export
func (w *Worker) watermark() hlc.Timestamp {
	if w.config.Watermark == nil {
		return hlc.Max
	}
	return w.config.Watermark.Latest()
}

// pollLoop is the main worker loop
func (w *Worker) pollLoop(cursor uint64) {
	defer close(w.doneCh)

	lag := telemetry.PublisherLag.With(w.config.Name)
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if last := w.config.Log.LastSeq(); last > cursor {
			lag.Set(float64(last - cursor))
		} else {
			lag.Set(0)
		}

		events, err := w.config.Log.ReadFrom(cursor, w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", cursor).
				Msg("Failed to read from publish log")
			w.wait()
			continue
		}

		watermark := w.watermark()
		progressed := false
		for _, event := range events {
			if event.CommitTS > watermark {
				break
			}
			if err := w.processEvent(event); err != nil {
				if !errors.Is(err, errWorkerStopped) {
					log.Error().
						Err(err).
						Str("worker", w.config.Name).
						Uint64("seq", event.SeqNum).
						Msg("Failed to process event")
				}
				return
			}
			cursor = event.SeqNum
			w.cursor.Store(cursor)
			progressed = true
		}

		if !progressed {
			w.wait()
		}
	}
}

// processEvent processes a single event
// Delivery semantics: At-least-once delivery with cursor tracking.
// - Events are published first, then cursor is advanced.
// - If cursor advance fails, event may be redelivered on restart.
// - Filtered events advance cursor without publishing.
func (w *Worker) processEvent(event Event) error {
	if !w.config.Filter.Match(event.Key) {
		telemetry.PublisherEventsTotal.With(w.config.Name, "filtered").Inc()
		if err := w.config.Log.AdvanceCursor(w.config.Name, event.SeqNum); err != nil {
			log.Warn().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("seq", event.SeqNum).
				Msg("Failed to advance cursor for filtered event")
		}
		return nil
	}

	data, err := w.config.Transformer.Transform(event)
	if err != nil {
		return errors.Wrap(err, "transform event")
	}

	msg := Message{
		Topic: w.config.TopicPrefix,
		Key:   keyForSink(event.Key),
		Value: data,
		Headers: map[string]string{
			"region_id": strconv.FormatUint(event.RegionID, 10),
			"commit_ts": strconv.FormatUint(uint64(event.CommitTS), 10),
			"op":        event.Op.String(),
		},
	}
	if err := w.publishWithRetry(msg); err != nil {
		telemetry.PublisherEventsTotal.With(w.config.Name, "failed").Inc()
		return err
	}

	// Deletes are followed by a tombstone for log compaction
	if event.Op == common.OpDelete {
		msg.Value = w.config.Transformer.Tombstone(msg.Key)
		if err := w.publishWithRetry(msg); err != nil {
			telemetry.PublisherEventsTotal.With(w.config.Name, "failed").Inc()
			return err
		}
	}
	telemetry.PublisherEventsTotal.With(w.config.Name, "published").Inc()

	if err := w.config.Log.AdvanceCursor(w.config.Name, event.SeqNum); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", event.SeqNum).
			Msg("Failed to advance cursor after successful publish - event may be redelivered")
	}

	return nil
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(msg Message) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		ctx, cancel := context.WithTimeout(context.Background(), w.config.PublishTimeout)
		err := w.config.Sink.Publish(ctx, msg)
		cancel()
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return errors.Wrapf(err, "exhausted max retries (%d) for topic %s", w.config.MaxRetries, msg.Topic)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", msg.Topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return errWorkerStopped
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// wait blocks until the watermark moves, the poll interval passes or the
// worker stops
func (w *Worker) wait() bool {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-w.signals:
		return true
	case <-timer.C:
		return true
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// Stats is a point-in-time view of a worker
type Stats struct {
	Name    string `json:"name"`
	Cursor  uint64 `json:"cursor"`
	Lag     uint64 `json:"lag"`
	Running bool   `json:"running"`
}

// Stats returns the worker's position
func (w *Worker) Stats() Stats {
	cursor := w.Cursor()
	last := w.config.Log.LastSeq()
	lag := uint64(0)
	if last > cursor {
		lag = last - cursor
	}
	return Stats{Name: w.config.Name, Cursor: cursor, Lag: lag, Running: w.running.Load()}
}
