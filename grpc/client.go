package grpc

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/encoding"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// DialOptions returns the default options for talking to a tidemark node
func DialOptions(secret string) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(64*1024*1024),
			grpc.MaxCallSendMsgSize(16*1024*1024),
		),
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptorWithSecret(secret)),
		grpc.WithChainStreamInterceptor(StreamClientInterceptorWithSecret(secret)),
	}
}

// Client is a change data subscriber
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a node. Extra options are appended after the defaults.
func Dial(address, secret string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(address, append(DialOptions(secret), opts...)...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}
	return &Client{conn: conn}, nil
}

// Conn exposes the underlying connection, e.g. for a coordination client
func (c *Client) Conn() *grpc.ClientConn {
	return c.conn
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func callOptions() []grpc.CallOption {
	opts := []grpc.CallOption{grpc.CallContentSubtype(encoding.CodecName)}
	if name := CompressionName(); name != "" {
		opts = append(opts, grpc.UseCompressor(name))
	}
	return opts
}

// Feed is one open EventFeed stream
type Feed struct {
	stream grpc.ClientStream
}

// EventFeed opens a stream. It lives until ctx is cancelled or the server
// tears it down.
func (c *Client) EventFeed(ctx context.Context) (*Feed, error) {
	stream, err := c.conn.NewStream(ctx, &feedServiceDesc.Streams[0], eventFeedMethod, callOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, "open event feed")
	}
	return &Feed{stream: stream}, nil
}

// Subscribe asks for a region's stream
func (f *Feed) Subscribe(req FeedRequest) error {
	return f.stream.SendMsg(&req)
}

// Deregister ends a region's stream with ErrDeregistered
func (f *Feed) Deregister(regionID uint64) error {
	return f.stream.SendMsg(&FeedRequest{RegionID: regionID, Deregister: true})
}

// Recv returns the next batch
func (f *Feed) Recv() (*FeedBatch, error) {
	b := new(FeedBatch)
	if err := f.stream.RecvMsg(b); err != nil {
		return nil, err
	}
	return b, nil
}

// CloseSend signals no more requests; events keep flowing
func (f *Feed) CloseSend() error {
	return f.stream.CloseSend()
}
