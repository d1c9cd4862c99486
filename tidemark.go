package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/tidemark/admin"
	"github.com/maxpert/tidemark/advancer"
	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/engine"
	tmgrpc "github.com/maxpert/tidemark/grpc"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/notify"
	"github.com/maxpert/tidemark/observer"
	"github.com/maxpert/tidemark/pd"
	"github.com/maxpert/tidemark/publisher"
	_ "github.com/maxpert/tidemark/publisher/sink"
	_ "github.com/maxpert/tidemark/publisher/transformer"
	"github.com/maxpert/tidemark/raftfeed"
	"github.com/maxpert/tidemark/registry"
	"github.com/maxpert/tidemark/router"
	"github.com/maxpert/tidemark/sink"
	"github.com/maxpert/tidemark/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	// Nodes silent for longer stop holding the cluster safe point back
	pdNodeTTL = time.Minute
	// How often queue depth gauges are sampled
	collectInterval = 5 * time.Second
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Tidemark - resolved timestamps and change feeds")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Node stopped with error")
	}
	log.Info().Msg("Tidemark stopped")
}

func run(ctx context.Context) error {
	c := cfg.Config

	// Phase 1: local store and change capture
	log.Info().Str("path", cfg.EnginePath()).Msg("Opening engine")
	e, err := engine.Open(cfg.EnginePath(), engine.Options{
		CacheSizeMB: c.Engine.CacheSizeMB,
		SyncWrites:  c.Engine.SyncWrites,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	reg := registry.New(e, registry.OptionsFromConfig(c))
	defer reg.Close(common.ErrShutdown)

	hub := sink.NewHub(sink.OptionsFromConfig(c.Sink))
	defer hub.CloseAll(common.ErrShutdown)

	resolved := notify.NewHub()

	// Phase 2: transport. Services register before Start.
	tmgrpc.RegisterZstdCompressor(c.Server.CompressionLevel)
	server := tmgrpc.NewServer(tmgrpc.ServerConfig{
		NodeID:        c.NodeID,
		Address:       c.Server.BindAddress,
		Port:          c.Server.Port,
		ClusterSecret: c.Server.ClusterSecret,
		BatchSize:     c.Sink.BatchSize,
	}, reg, hub)

	var coord *pd.Server
	if c.PD.Embedded {
		coord = pd.NewServer(pdNodeTTL)
		coord.Register(server.Registrar())
	}
	reporter, err := newReporter(coord)
	if err != nil {
		return err
	}
	if closer, ok := reporter.(io.Closer); ok {
		defer closer.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	// Phase 3: apply path
	obs := observer.Chain{observer.NewCDC(reg)}
	rt := router.New(obs.OnApply, router.OptionsFromConfig(c.Router))
	rt.Start(gctx)
	defer func() {
		if err := rt.Stop(); err != nil {
			log.Warn().Err(err).Msg("Apply router stopped with error")
		}
	}()

	sources := admin.Sources{
		Regions: reg,
		Conns:   hub,
		Router:  rt,
	}
	if coord != nil {
		sources.PD = coord
	}

	var floor advancer.FloorSource
	if c.Raft.Enabled {
		fsm := raftfeed.NewFSM(e, rt, obs, hlc.NewClock(), common.Region{ID: c.Raft.RegionID})
		node, err := raftfeed.Open(raftfeed.OptionsFromConfig(c), fsm)
		if err != nil {
			return err
		}
		defer func() {
			if err := node.Close(); err != nil {
				log.Warn().Err(err).Msg("Raft shutdown failed")
			}
		}()
		g.Go(func() error { return node.Run(gctx) })
		floor = node
		sources.Raft = node
	}

	// Phase 4: resolved ts
	adv := advancer.New(reg, floor, reporter, resolved, advancer.OptionsFromConfig(c))
	g.Go(func() error { return adv.Run(gctx) })
	sources.Stalls = adv

	collector := telemetry.NewMetricsCollector(hub, rt, collectInterval)
	collector.Start()
	defer collector.Stop()

	// Phase 5: export
	if c.Publisher.Enabled {
		pub, err := publisher.NewRegistry(publisher.RegistryConfig{
			DataDir:     c.DataDir,
			NodeID:      c.NodeID,
			SinkConfigs: c.Publisher.Sinks,
			Watermark:   resolved,
			Regions:     reg,
			Conns:       hub,
		})
		if err != nil {
			return err
		}
		if err := pub.Start(); err != nil {
			return err
		}
		defer pub.Stop()
		sources.Publisher = pub
	}

	if h := telemetry.GetMetricsHandler(); h != nil {
		server.SetMetricsHandler(h)
	}
	if c.Server.AdminEnabled {
		server.SetAdminHandler(admin.Router(admin.NewAdminHandlers(sources)))
	}
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	log.Info().
		Uint64("node_id", c.NodeID).
		Int("port", c.Server.Port).
		Str("data_dir", c.DataDir).
		Bool("raft", c.Raft.Enabled).
		Bool("publisher", c.Publisher.Enabled).
		Msg("Node is operational")

	<-gctx.Done()
	return g.Wait()
}

// newReporter picks where the node reports its minimum resolved ts: a
// remote coordinator when one is configured, the embedded one otherwise
func newReporter(embedded *pd.Server) (pd.Reporter, error) {
	if addr := cfg.Config.PD.Address; addr != "" {
		secret := cfg.GetClusterSecret()
		client, err := pd.Dial(addr,
			grpc.WithChainUnaryInterceptor(tmgrpc.UnaryClientInterceptorWithSecret(secret)),
		)
		if err != nil {
			return nil, err
		}
		log.Info().Str("address", addr).Msg("Reporting resolved ts to coordinator")
		return client, nil
	}
	if embedded != nil {
		return embedded, nil
	}
	log.Info().Msg("No coordinator configured, resolved ts stays local")
	return pd.Noop{}, nil
}
