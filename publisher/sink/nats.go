package sink

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultStreamMaxAge = 24 * time.Hour

func init() {
	publisher.RegisterSink("nats", func(config cfg.PublisherSinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, errors.New("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink publishes change events to NATS JetStream. Each subject gets a
// stream, created the first time it is published to.
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu      sync.Mutex
	streams map[string]bool
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect to NATS")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "create JetStream context")
	}

	return &NatsSink{nc: nc, js: js, streams: make(map[string]bool)}, nil
}

func (n *NatsSink) ensureStream(ctx context.Context, subject string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.streams[subject] {
		return nil
	}

	name := sanitizeStreamName(subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    defaultStreamMaxAge,
	})
	if err != nil {
		return errors.Wrapf(err, "ensure stream %s", name)
	}
	n.streams[subject] = true
	return nil
}

// Publish sends a message to JetStream and waits for the ack. The key
// and headers travel as message headers.
func (n *NatsSink) Publish(ctx context.Context, msg publisher.Message) error {
	if err := n.ensureStream(ctx, msg.Topic); err != nil {
		return err
	}

	out := &nats.Msg{
		Subject: msg.Topic,
		Data:    msg.Value,
		Header:  nats.Header{},
	}
	out.Header.Set("key", msg.Key)
	for name, val := range msg.Headers {
		out.Header.Set(name, val)
	}

	if _, err := n.js.PublishMsg(ctx, out); err != nil {
		return errors.Wrapf(err, "publish to %s", msg.Topic)
	}
	return nil
}

// Close drains the connection
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name.
// Stream names can't contain ".", "*", ">" or whitespace.
func sanitizeStreamName(subject string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, subject)
}
