package telemetry

import (
	"sync"
	"time"
)

// QueueSource reports how many items wait in a component's queues
type QueueSource interface {
	QueuedEvents() int
}

// MetricsCollector periodically samples queue depths into gauges. Values
// that change on every event are cheaper to sample than to track inline.
type MetricsCollector struct {
	sinks    QueueSource
	router   QueueSource
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. Either source may
// be nil.
func NewMetricsCollector(sinks, router QueueSource, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		sinks:    sinks,
		router:   router,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.sinks != nil {
		SinkQueuedEvents.Set(float64(mc.sinks.QueuedEvents()))
	}
	if mc.router != nil {
		RouterQueuedTasks.Set(float64(mc.router.QueuedEvents()))
	}
}
