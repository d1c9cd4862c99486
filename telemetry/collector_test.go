package telemetry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingSource struct {
	calls atomic.Int32
	depth int
}

func (c *countingSource) QueuedEvents() int {
	c.calls.Add(1)
	return c.depth
}

type recordingGauge struct {
	NoopStat
	last atomic.Int64
}

func (g *recordingGauge) Set(v float64) { g.last.Store(int64(v)) }

func TestMetricsCollector_Samples(t *testing.T) {
	queued, tasks := &recordingGauge{}, &recordingGauge{}
	prevQueued, prevTasks := SinkQueuedEvents, RouterQueuedTasks
	SinkQueuedEvents, RouterQueuedTasks = queued, tasks
	defer func() { SinkQueuedEvents, RouterQueuedTasks = prevQueued, prevTasks }()

	sinks := &countingSource{depth: 12}
	router := &countingSource{depth: 3}
	mc := NewMetricsCollector(sinks, router, 5*time.Millisecond)
	mc.Start()

	assert.Eventually(t, func() bool { return sinks.calls.Load() >= 3 }, time.Second, time.Millisecond)
	mc.Stop()
	mc.Stop()

	assert.Equal(t, int64(12), queued.last.Load())
	assert.Equal(t, int64(3), tasks.last.Load())

	calls := router.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, router.calls.Load(), "no samples after stop")
}

func TestMetricsCollector_NilSources(t *testing.T) {
	mc := NewMetricsCollector(nil, nil, time.Millisecond)
	mc.Start()
	time.Sleep(5 * time.Millisecond)
	mc.Stop()
}
