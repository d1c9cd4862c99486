package pd

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/encoding"
	"github.com/maxpert/tidemark/hlc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "tidemark.pd.Coordinator"

// ReportRequest carries one node's minimum resolved ts
type ReportRequest struct {
	NodeID     uint64        `msgpack:"node_id"`
	ResolvedTS hlc.Timestamp `msgpack:"resolved_ts"`
}

// ReportResponse returns the cluster safe point after the report
type ReportResponse struct {
	SafePoint hlc.Timestamp `msgpack:"safe_point"`
}

// SafePointRequest asks for the cluster safe point
type SafePointRequest struct{}

// SafePointResponse carries the cluster safe point
type SafePointResponse struct {
	SafePoint hlc.Timestamp `msgpack:"safe_point"`
}

type coordinatorServer interface {
	Report(context.Context, *ReportRequest) (*ReportResponse, error)
	SafePoint(context.Context, *SafePointRequest) (*SafePointResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*coordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Report", Handler: reportHandler},
		{MethodName: "SafePoint", Handler: safePointHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pd",
}

func reportHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReportRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Report(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Report"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(coordinatorServer).Report(ctx, req.(*ReportRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func safePointHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SafePointRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).SafePoint(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SafePoint"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(coordinatorServer).SafePoint(ctx, req.(*SafePointRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type service struct {
	s *Server
}

func (svc service) Report(ctx context.Context, req *ReportRequest) (*ReportResponse, error) {
	if req.NodeID == 0 {
		return nil, errors.New("report without node id")
	}
	if err := svc.s.ReportMinResolvedTS(ctx, req.NodeID, req.ResolvedTS); err != nil {
		return nil, err
	}
	return &ReportResponse{SafePoint: svc.s.SafePoint()}, nil
}

func (svc service) SafePoint(context.Context, *SafePointRequest) (*SafePointResponse, error) {
	return &SafePointResponse{SafePoint: svc.s.SafePoint()}, nil
}

// Register serves s on a gRPC server
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, service{s: s})
}

// Client talks to a remote coordination server
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to the coordination server at address. Extra options are
// appended after the defaults (plaintext, msgpack codec).
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial coordinator %s", address)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection, which the caller keeps owning
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// ReportMinResolvedTS implements Reporter
func (c *Client) ReportMinResolvedTS(ctx context.Context, nodeID uint64, ts hlc.Timestamp) error {
	_, err := c.Report(ctx, nodeID, ts)
	return err
}

// Report sends a report and returns the safe point the server computed
func (c *Client) Report(ctx context.Context, nodeID uint64, ts hlc.Timestamp) (hlc.Timestamp, error) {
	resp := new(ReportResponse)
	err := c.conn.Invoke(ctx, "/"+serviceName+"/Report",
		&ReportRequest{NodeID: nodeID, ResolvedTS: ts}, resp,
		grpc.CallContentSubtype(encoding.CodecName))
	if err != nil {
		return 0, errors.Wrap(err, "report min resolved ts")
	}
	return resp.SafePoint, nil
}

// SafePoint fetches the cluster safe point
func (c *Client) SafePoint(ctx context.Context) (hlc.Timestamp, error) {
	resp := new(SafePointResponse)
	err := c.conn.Invoke(ctx, "/"+serviceName+"/SafePoint", &SafePointRequest{}, resp,
		grpc.CallContentSubtype(encoding.CodecName))
	if err != nil {
		return 0, errors.Wrap(err, "fetch safe point")
	}
	return resp.SafePoint, nil
}

// Close releases the connection if the client dialed it
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}
