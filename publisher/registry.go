package publisher

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/notify"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the publisher registry
type RegistryConfig struct {
	DataDir     string                           // For PublishLog path
	NodeID      uint64                           // Stamped on every event
	SinkConfigs []cfg.PublisherSinkConfiguration // From config
	Watermark   *notify.Hub                      // Node-wide resolved ts gate

	// Regions and Conns feed the log from this node's regions. Without
	// them the log only receives what Append is given.
	Regions Regions
	Conns   Conns
}

// Registry manages the publish log, the feed filling it and the workers
// draining it
type Registry struct {
	log     *PublishLog
	feed    *Feed
	workers []*Worker
	config  RegistryConfig
	running atomic.Bool
	mu      sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a publisher registry
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DataDir == "" {
		return nil, errors.New("data directory is required")
	}

	pubLog, err := NewPublishLog(filepath.Join(config.DataDir, "publish_log"))
	if err != nil {
		return nil, errors.Wrap(err, "create publish log")
	}

	registry := &Registry{
		log:     pubLog,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
		config:  config,
	}

	if config.Regions != nil && config.Conns != nil {
		registry.feed, err = NewFeed(FeedConfig{
			NodeID:  config.NodeID,
			Log:     pubLog,
			Regions: config.Regions,
			Conns:   config.Conns,
		})
		if err != nil {
			pubLog.Close()
			return nil, err
		}
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			// Cleanup on error: close all worker sinks and publish log
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			pubLog.Close()
			return nil, errors.Wrapf(err, "add sink %q", sinkCfg.Name)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Bool("feed", registry.feed != nil).
		Msg("Publisher registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration
func (r *Registry) AddSink(config cfg.PublisherSinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return errors.Wrap(err, "create sink")
	}

	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return errors.Wrap(err, "create transformer")
	}

	filter, err := NewGlobFilter(config.KeyPatterns)
	if err != nil {
		snk.Close()
		return errors.Wrap(err, "create filter")
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             r.log,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		Watermark:       r.config.Watermark,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return errors.Wrap(err, "create worker")
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added publisher sink")

	return nil
}

// Start starts the feed and all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return errors.New("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting publisher registry")

	if r.feed != nil {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.done = make(chan struct{})
		go func() {
			defer close(r.done)
			if err := r.feed.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Publisher feed stopped")
			}
		}()
	}

	for _, worker := range r.workers {
		worker.Start()
	}

	r.running.Store(true)
	return nil
}

// Stop stops the feed and workers and closes the publish log
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	log.Info().Msg("Stopping publisher registry")

	if r.cancel != nil {
		r.cancel()
		<-r.done
	}

	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.Name()).Msg("Failed to close sink")
		}
	}

	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close publish log")
	}

	log.Info().Msg("Publisher registry stopped")
}

// Append adds events to the publish log directly
func (r *Registry) Append(events []Event) error {
	if !r.running.Load() {
		return errors.New("registry not running")
	}
	return r.log.Append(events)
}

// Log exposes the publish log
func (r *Registry) Log() *PublishLog {
	return r.log
}

// Stats returns every worker's position
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Stats())
	}
	return out
}

// createSink creates a sink based on the configuration
func createSink(config cfg.PublisherSinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, errors.Newf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.PublisherSinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, errors.Newf("unknown format: %s", format)
	}

	return factory(), nil
}
