// Package grpc serves the change data feed, the coordination endpoint and
// the node's HTTP surface on one port.
package grpc

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/tidemark/registry"
	"github.com/maxpert/tidemark/sink"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// Server implements the gRPC server for tidemark
type Server struct {
	nodeID    uint64
	address   string
	port      int
	batchSize int

	server     *grpc.Server
	listener   net.Listener
	mux        cmux.CMux
	httpServer *http.Server

	registry       *registry.Registry
	hub            *sink.Hub
	metricsHandler http.Handler
	adminHandler   http.Handler

	streams atomic.Int64
	mu      sync.RWMutex
}

// ServerConfig holds configuration for the gRPC server
type ServerConfig struct {
	NodeID        uint64
	Address       string
	Port          int
	ClusterSecret string
	BatchSize     int // Max events per streamed batch
}

// NewServer creates a server streaming region changes from reg through
// connections opened on hub
func NewServer(config ServerConfig, reg *registry.Registry, hub *sink.Hub) *Server {
	if config.BatchSize < 1 {
		config.BatchSize = 256
	}
	s := &Server{
		nodeID:    config.NodeID,
		address:   config.Address,
		port:      config.Port,
		batchSize: config.BatchSize,
		registry:  reg,
		hub:       hub,
	}

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(64*1024*1024),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second, // Minimum time between client pings
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(config.ClusterSecret)),
		grpc.ChainStreamInterceptor(StreamServerInterceptor(config.ClusterSecret)),
	)
	s.server.RegisterService(&feedServiceDesc, s)
	return s
}

// Registrar exposes the gRPC server so other services (the coordination
// endpoint) can be served alongside the feed
func (s *Server) Registrar() grpc.ServiceRegistrar {
	return s.server
}

// SetMetricsHandler serves h at /metrics
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsHandler = h
}

// SetAdminHandler serves h under /admin/
func (s *Server) SetAdminHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminHandler = h
}

// Streams returns the number of open event feed streams
func (s *Server) Streams() int64 {
	return s.streams.Load()
}

// Start listens on the configured port, multiplexing HTTP (pprof, metrics,
// admin) and gRPC
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	log.Info().
		Str("address", addr).
		Uint64("node_id", s.nodeID).
		Msg("Starting gRPC server")

	s.mux = cmux.New(listener)
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	s.httpServer = &http.Server{Handler: s.httpMux()}

	go func() {
		if err := s.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed && err != cmux.ErrListenerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	go func() {
		if err := s.server.Serve(grpcListener); err != nil && err != grpc.ErrServerStopped {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		if err := s.mux.Serve(); err != nil && !isClosedErr(err) {
			log.Error().Err(err).Msg("cmux failed")
		}
	}()

	return nil
}

// Serve runs gRPC only on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

func (s *Server) httpMux() *http.ServeMux {
	s.mu.RLock()
	defer s.mu.RUnlock()

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if s.metricsHandler != nil {
		httpMux.Handle("/metrics", s.metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}
	if s.adminHandler != nil {
		httpMux.Handle("/admin/", s.adminHandler)
		log.Info().Msg("Admin endpoints enabled at /admin/")
	}
	return httpMux
}

// Stop closes every feed stream and stops the servers
func (s *Server) Stop() {
	log.Info().Msg("Stopping gRPC server")
	s.hub.CloseAll(nil)
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	s.server.GracefulStop()
	if s.listener != nil {
		s.listener.Close()
	}
}

func isClosedErr(err error) bool {
	if ne, ok := err.(*net.OpError); ok {
		return ne.Err.Error() == "use of closed network connection"
	}
	return false
}
