package sink

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.PublisherSinkConfiguration) (publisher.Sink, error) {
		return NewKafkaSink(KafkaConfig{
			Brokers:          config.Brokers,
			BatchSize:        config.BatchSize,
			BatchBytes:       DefaultKafkaBatchBytes,
			RequiredAcks:     kafka.RequireAll,
			AutoCreateTopics: true,
		})
	})
}

// KafkaSink publishes change events to Kafka. Messages are keyed by the
// changed key, so every version of a key lands on the same partition in
// commit order.
type KafkaSink struct {
	writer *kafka.Writer
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int   // Batch size for writes (default: 100)
	BatchBytes       int64 // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
	Compression      kafka.Compression // Zero leaves messages uncompressed
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka sink requires at least one broker address")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Compression:            config.Compression,
		Async:                  false, // the worker advances its cursor only after a write
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer}, nil
}

// kafkaMessage converts msg, with headers in a stable order
func kafkaMessage(msg publisher.Message) kafka.Message {
	out := kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value, // nil value = tombstone
	}
	if len(msg.Headers) == 0 {
		return out
	}
	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	out.Headers = make([]kafka.Header, 0, len(names))
	for _, name := range names {
		out.Headers = append(out.Headers, kafka.Header{Key: name, Value: []byte(msg.Headers[name])})
	}
	return out
}

// Publish writes one message and waits for the configured acks
func (k *KafkaSink) Publish(ctx context.Context, msg publisher.Message) error {
	if err := k.writer.WriteMessages(ctx, kafkaMessage(msg)); err != nil {
		return errors.Wrapf(err, "kafka write to %s", msg.Topic)
	}
	return nil
}

// Close flushes pending writes and closes the writer
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
