package sink

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/publisher"
	"github.com/segmentio/kafka-go"
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	if len(config.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %d", len(config.Brokers))
	}
	if config.BatchSize != 100 {
		t.Errorf("expected batch size 100, got %d", config.BatchSize)
	}
	if config.BatchBytes != 1048576 {
		t.Errorf("expected batch bytes 1048576, got %d", config.BatchBytes)
	}
	if config.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", config.RequiredAcks)
	}
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		BatchBytes:   2048,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Zstd,
	})
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer sink.Close()

	if sink.writer.BatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", sink.writer.BatchSize)
	}
	if sink.writer.BatchBytes != 2048 {
		t.Errorf("expected batch bytes 2048, got %d", sink.writer.BatchBytes)
	}
	if sink.writer.RequiredAcks != kafka.RequireOne {
		t.Errorf("expected RequireOne acks, got %v", sink.writer.RequiredAcks)
	}
	if sink.writer.Compression != kafka.Zstd {
		t.Errorf("expected zstd compression, got %v", sink.writer.Compression)
	}
	if sink.writer.Async {
		t.Error("expected synchronous writes")
	}
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{}); err == nil {
		t.Fatal("expected error for empty brokers")
	}
}

func TestKafkaMessageHeaders(t *testing.T) {
	msg := kafkaMessage(publisher.Message{
		Topic: "tidemark.cdc",
		Key:   "a2V5",
		Value: []byte("{}"),
		Headers: map[string]string{
			"region_id": "7",
			"commit_ts": "110",
			"op":        "put",
		},
	})

	if msg.Topic != "tidemark.cdc" || string(msg.Key) != "a2V5" {
		t.Fatalf("unexpected message %+v", msg)
	}
	want := []string{"commit_ts", "op", "region_id"}
	if len(msg.Headers) != len(want) {
		t.Fatalf("expected %d headers, got %d", len(want), len(msg.Headers))
	}
	for i, h := range msg.Headers {
		if h.Key != want[i] {
			t.Errorf("header %d: expected %s, got %s", i, want[i], h.Key)
		}
	}

	tombstone := kafkaMessage(publisher.Message{Topic: "t", Key: "k"})
	if tombstone.Value != nil || tombstone.Headers != nil {
		t.Error("tombstone should carry no value or headers")
	}
}

func TestSinkFactories(t *testing.T) {
	reg, err := publisher.NewRegistry(publisher.RegistryConfig{
		DataDir: t.TempDir(),
		SinkConfigs: []cfg.PublisherSinkConfiguration{
			{Name: "mem", Type: "memory", Format: "json"},
			{Name: "kafka", Type: "kafka", Format: "json", Brokers: []string{"localhost:9092"}},
		},
	})
	if err != nil {
		t.Fatalf("registry with registered sinks: %v", err)
	}
	if len(reg.Stats()) != 2 {
		t.Errorf("expected 2 workers, got %d", len(reg.Stats()))
	}
	reg.Start()
	reg.Stop()

	_, err = publisher.NewRegistry(publisher.RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.PublisherSinkConfiguration{{Name: "nats", Type: "nats", Format: "json"}},
	})
	if err == nil {
		t.Error("nats sink without url should fail")
	}
}

func TestMockSink_Publish(t *testing.T) {
	sink := &MockSink{}
	ctx := context.Background()

	if err := sink.Publish(ctx, publisher.Message{Topic: "topic1", Key: "key1", Value: []byte("value1")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sink.Publish(ctx, publisher.Message{Topic: "topic1", Key: "key1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := sink.Snapshot()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if string(msgs[0].Value) != "value1" {
		t.Errorf("expected value1, got %s", msgs[0].Value)
	}
	if msgs[1].Value != nil {
		t.Error("expected nil value for tombstone")
	}

	sink.Reset()
	if len(sink.Snapshot()) != 0 {
		t.Error("expected no messages after reset")
	}
}

func TestMockSink_PublishError(t *testing.T) {
	expected := errors.New("publish failed")
	sink := &MockSink{PublishErr: expected}

	err := sink.Publish(context.Background(), publisher.Message{Topic: "t", Key: "k"})
	if !errors.Is(err, expected) {
		t.Errorf("expected %v, got %v", expected, err)
	}
	if len(sink.Snapshot()) != 0 {
		t.Error("failed publish should not be recorded")
	}
}

func TestMockSink_Concurrent(t *testing.T) {
	sink := &MockSink{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sink.Publish(context.Background(), publisher.Message{Topic: "t", Key: "k"})
			}
		}()
	}
	wg.Wait()

	if n := len(sink.Snapshot()); n != 1000 {
		t.Errorf("expected 1000 messages, got %d", n)
	}
}

func TestSanitizeStreamName(t *testing.T) {
	tests := map[string]string{
		"tidemark.cdc":   "tidemark_cdc",
		"orders.*":       "orders__",
		"a.b.>":          "a_b__",
		"already_simple": "already_simple",
	}
	for in, want := range tests {
		if got := sanitizeStreamName(in); got != want {
			t.Errorf("sanitizeStreamName(%q) = %q, want %q", in, got, want)
		}
	}
}
