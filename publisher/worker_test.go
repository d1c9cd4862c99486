package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/notify"
)

// Mock implementations for testing

type mockSink struct {
	mu        sync.Mutex
	messages  []Message
	failCount atomic.Int32 // Number of times to fail before succeeding
}

func (m *mockSink) Publish(_ context.Context, msg Message) error {
	if m.failCount.Load() > 0 {
		m.failCount.Add(-1)
		return fmt.Errorf("mock publish failure")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockSink) Close() error {
	return nil
}

func (m *mockSink) getMessages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Message, len(m.messages))
	copy(result, m.messages)
	return result
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

type mockTransformer struct{}

func (m *mockTransformer) Transform(event Event) ([]byte, error) {
	return []byte(fmt.Sprintf("transformed:%s:%d", event.Key, event.SeqNum)), nil
}

func (m *mockTransformer) Tombstone(key string) []byte {
	return []byte(fmt.Sprintf("tombstone:%s", key))
}

type prefixFilter struct {
	prefix string
}

func (f *prefixFilter) Match(key []byte) bool {
	return len(key) >= len(f.prefix) && string(key[:len(f.prefix)]) == f.prefix
}

func newTestWorker(t *testing.T, pl *PublishLog, sink Sink, mutate func(*WorkerConfig)) *Worker {
	t.Helper()
	config := WorkerConfig{
		Name:         "test-sink",
		Log:          pl,
		Sink:         sink,
		Transformer:  &mockTransformer{},
		Filter:       &prefixFilter{},
		PollInterval: 10 * time.Millisecond,
		RetryInitial: 5 * time.Millisecond,
		RetryMax:     20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&config)
	}
	w, err := NewWorker(config)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewWorker_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config WorkerConfig
	}{
		{"missing name", WorkerConfig{}},
		{"missing log", WorkerConfig{Name: "test"}},
		{"missing sink", WorkerConfig{Name: "test", Log: &PublishLog{}}},
		{"missing transformer", WorkerConfig{Name: "test", Log: &PublishLog{}, Sink: &mockSink{}}},
		{"missing filter", WorkerConfig{Name: "test", Log: &PublishLog{}, Sink: &mockSink{}, Transformer: &mockTransformer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWorker(tt.config); err == nil {
				t.Error("expected error but got nil")
			}
		})
	}
}

func TestWorker_NormalProcessing(t *testing.T) {
	pl, _ := openLog(t)
	defer pl.Close()

	if err := pl.Append(putEvents("user/1", "user/2")); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}

	sink := &mockSink{}
	w := newTestWorker(t, pl, sink, nil)
	w.Start()
	defer w.Stop()

	waitFor(t, "two messages", func() bool { return sink.count() == 2 })

	msgs := sink.getMessages()
	if msgs[0].Topic != DefaultTopic {
		t.Errorf("expected topic %s, got %s", DefaultTopic, msgs[0].Topic)
	}
	if msgs[0].Key != keyForSink([]byte("user/1")) {
		t.Errorf("unexpected key %s", msgs[0].Key)
	}
	if msgs[1].Headers["region_id"] != "1" || msgs[1].Headers["commit_ts"] != "110" || msgs[1].Headers["op"] != "put" {
		t.Errorf("unexpected headers %v", msgs[1].Headers)
	}

	waitFor(t, "cursor at 2", func() bool {
		cursor, _ := pl.GetCursor("test-sink")
		return cursor == 2
	})
	if s := w.Stats(); s.Lag != 0 || s.Cursor != 2 || !s.Running {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestWorker_FilterSkipping(t *testing.T) {
	pl, _ := openLog(t)
	defer pl.Close()

	if err := pl.Append(putEvents("user/1", "order/1", "user/2")); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}

	sink := &mockSink{}
	w := newTestWorker(t, pl, sink, func(c *WorkerConfig) {
		c.Filter = &prefixFilter{prefix: "user/"}
	})
	w.Start()
	defer w.Stop()

	waitFor(t, "cursor past filtered event", func() bool { return w.Cursor() == 3 })
	if n := sink.count(); n != 2 {
		t.Errorf("expected 2 published messages, got %d", n)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	pl, _ := openLog(t)
	defer pl.Close()

	if err := pl.Append(putEvents("a")); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}

	sink := &mockSink{}
	sink.failCount.Store(3)
	w := newTestWorker(t, pl, sink, nil)
	w.Start()
	defer w.Stop()

	waitFor(t, "publish after retries", func() bool { return sink.count() == 1 })
	if sink.failCount.Load() != 0 {
		t.Errorf("expected all failures consumed, %d left", sink.failCount.Load())
	}
}

func TestWorker_GracefulShutdown(t *testing.T) {
	pl, _ := openLog(t)
	defer pl.Close()

	sink := &mockSink{}
	sink.failCount.Store(1 << 20) // never succeeds
	if err := pl.Append(putEvents("a")); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}

	w := newTestWorker(t, pl, sink, func(c *WorkerConfig) {
		c.MaxRetries = 1 << 20
	})
	w.Start()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while retrying")
	}
	w.Stop() // idempotent

	if w.Cursor() != 0 {
		t.Errorf("cursor should not advance past an unpublished event, got %d", w.Cursor())
	}
}

func TestWorker_DeleteWithTombstone(t *testing.T) {
	pl, _ := openLog(t)
	defer pl.Close()

	events := []Event{{RegionID: 1, Key: []byte("gone"), Op: common.OpDelete, StartTS: 5, CommitTS: 10}}
	if err := pl.Append(events); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}

	sink := &mockSink{}
	w := newTestWorker(t, pl, sink, nil)
	w.Start()
	defer w.Stop()

	waitFor(t, "delete and tombstone", func() bool { return sink.count() == 2 })
	msgs := sink.getMessages()
	if string(msgs[1].Value) != "tombstone:"+keyForSink([]byte("gone")) {
		t.Errorf("expected tombstone, got %s", msgs[1].Value)
	}
	if msgs[0].Headers["op"] != "delete" {
		t.Errorf("expected delete op header, got %v", msgs[0].Headers)
	}
}

func TestWorker_GatedOnResolvedTS(t *testing.T) {
	pl, _ := openLog(t)
	defer pl.Close()

	// Commit ts 100, 110, 120
	if err := pl.Append(putEvents("a", "b", "c")); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}

	hub := notify.NewHub()
	sink := &mockSink{}
	w := newTestWorker(t, pl, sink, func(c *WorkerConfig) {
		c.Watermark = hub
		c.PollInterval = time.Second // rely on signals
	})
	w.Start()
	defer w.Stop()

	time.Sleep(30 * time.Millisecond)
	if n := sink.count(); n != 0 {
		t.Fatalf("nothing is resolved yet, published %d", n)
	}

	hub.Signal(notify.NodeRegion, 115)
	waitFor(t, "events up to 115", func() bool { return sink.count() == 2 })
	time.Sleep(30 * time.Millisecond)
	if n := sink.count(); n != 2 {
		t.Fatalf("event above the resolved ts was exported, got %d", n)
	}

	hub.Signal(notify.NodeRegion, 120)
	waitFor(t, "all events", func() bool { return sink.count() == 3 })
}
