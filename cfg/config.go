package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// RollbackPolicy decides whether rollbacks reach subscribers
type RollbackPolicy string

const (
	RollbackSuppress RollbackPolicy = "suppress" // Rollbacks only clear locks
	RollbackEmit     RollbackPolicy = "emit"     // Rollbacks are delivered as Rollback events
)

// SplitPolicy decides what happens to a parent region's subscribers
type SplitPolicy string

const (
	SplitTerminate SplitPolicy = "terminate" // End streams with a split marker
	SplitMigrate   SplitPolicy = "migrate"   // End streams and resubscribe the children on the same connection
)

// OverflowPolicy decides what a full subscriber queue does
type OverflowPolicy string

const (
	OverflowBlock      OverflowPolicy = "block"       // Producer waits, up to block_timeout_ms, then tears down
	OverflowTeardown   OverflowPolicy = "teardown"    // Tear the connection down immediately
	OverflowDropOldest OverflowPolicy = "drop-oldest" // Drop the oldest region's events and send a gap marker
)

// CDCConfiguration controls per-region change capture
type CDCConfiguration struct {
	RollbackPolicy     RollbackPolicy `toml:"rollback_policy"`
	SplitPolicy        SplitPolicy    `toml:"split_policy"`
	RewindWindowEvents int            `toml:"rewind_window_events"` // Released events kept per region for resume
	ReleasedLockCache  int            `toml:"released_lock_cache"`  // Recently released locks kept per region
}

// AdvancerConfiguration controls the resolved ts ticker
type AdvancerConfiguration struct {
	TickIntervalMS   int `toml:"tick_interval_ms"`
	StallThresholdMS int `toml:"stall_threshold_ms"`
	ReportTimeoutMS  int `toml:"report_timeout_ms"`
}

// SinkConfiguration controls subscriber connections
type SinkConfiguration struct {
	QueueCapacity  int            `toml:"queue_capacity"`
	OverflowPolicy OverflowPolicy `toml:"overflow_policy"`
	BlockTimeoutMS int            `toml:"block_timeout_ms"`
	BatchSize      int            `toml:"batch_size"` // Max events per streamed batch
}

// ScanConfiguration controls snapshot and incremental scans
type ScanConfiguration struct {
	KeysPerSecond int `toml:"keys_per_second"` // 0 = unlimited
	Burst         int `toml:"burst"`
}

// EngineConfiguration controls the local MVCC store
type EngineConfiguration struct {
	Dir         string `toml:"dir"` // Relative to data_dir unless absolute
	CacheSizeMB int    `toml:"cache_size_mb"`
	SyncWrites  bool   `toml:"sync_writes"`
}

// ServerConfiguration controls the gRPC/HTTP listener
type ServerConfiguration struct {
	BindAddress      string `toml:"bind_address"`
	Port             int    `toml:"port"`
	ClusterSecret    string `toml:"cluster_secret"`
	CompressionLevel int    `toml:"compression_level"` // 0 = off, 1-4 zstd levels
	AdminEnabled     bool   `toml:"admin_enabled"`
}

// PDConfiguration controls reporting to the coordination service
type PDConfiguration struct {
	Address  string `toml:"address"`  // Empty disables reporting
	Embedded bool   `toml:"embedded"` // Serve the coordination endpoint on this node
}

// RaftConfiguration controls the bundled single-group replication feed
type RaftConfiguration struct {
	Enabled           bool   `toml:"enabled"`
	BindAddress       string `toml:"bind_address"`
	Bootstrap         bool   `toml:"bootstrap"`
	SnapshotRetain    int    `toml:"snapshot_retain"`
	HeartbeatMS       int    `toml:"heartbeat_ms"`
	TickProposeMS     int    `toml:"tick_propose_ms"` // Empty entries that move applied ts on idle regions
	RegionID          uint64 `toml:"region_id"`
	ApplyTimeoutMS    int    `toml:"apply_timeout_ms"`
	TrailingLogs      uint64 `toml:"trailing_logs"`
	SnapshotThreshold uint64 `toml:"snapshot_threshold"`
}

// RouterConfiguration controls the apply worker pool
type RouterConfiguration struct {
	Workers   int `toml:"workers"`
	QueueSize int `toml:"queue_size"`
}

// PublisherSinkConfiguration configures one export sink
type PublisherSinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka" or "nats"
	Format          string   `toml:"format"` // "json"
	KeyPatterns     []string `toml:"key_patterns"`
	TopicPrefix     string   `toml:"topic_prefix"`
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// PublisherConfiguration controls exporting change events downstream
type PublisherConfiguration struct {
	Enabled bool                         `toml:"enabled"`
	Sinks   []PublisherSinkConfiguration `toml:"sinks"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	CDC        CDCConfiguration        `toml:"cdc"`
	Advancer   AdvancerConfiguration   `toml:"advancer"`
	Sink       SinkConfiguration       `toml:"sink"`
	Scan       ScanConfiguration       `toml:"scan"`
	Engine     EngineConfiguration     `toml:"engine"`
	Server     ServerConfiguration     `toml:"server"`
	PD         PDConfiguration         `toml:"pd"`
	Raft       RaftConfiguration       `toml:"raft"`
	Router     RouterConfiguration     `toml:"router"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	PortFlag       = flag.Int("port", 0, "gRPC/HTTP port (overrides config)")
	PDAddressFlag  = flag.String("pd", "", "Coordination service address (overrides config)")
)

// Default returns a configuration populated with defaults
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./tidemark-data",

		CDC: CDCConfiguration{
			RollbackPolicy:     RollbackSuppress,
			SplitPolicy:        SplitTerminate,
			RewindWindowEvents: 4096,
			ReleasedLockCache:  4096,
		},

		Advancer: AdvancerConfiguration{
			TickIntervalMS:   1000,
			StallThresholdMS: 30000,
			ReportTimeoutMS:  2000,
		},

		Sink: SinkConfiguration{
			QueueCapacity:  8192,
			OverflowPolicy: OverflowBlock,
			BlockTimeoutMS: 5000,
			BatchSize:      256,
		},

		Scan: ScanConfiguration{
			KeysPerSecond: 50000,
			Burst:         1024,
		},

		Engine: EngineConfiguration{
			Dir:         "engine",
			CacheSizeMB: 64,
			SyncWrites:  true,
		},

		Server: ServerConfiguration{
			BindAddress:      "0.0.0.0",
			Port:             8160,
			CompressionLevel: 1,
			AdminEnabled:     true,
		},

		PD: PDConfiguration{
			Embedded: true,
		},

		Raft: RaftConfiguration{
			Enabled:           true,
			BindAddress:       "127.0.0.1:8161",
			Bootstrap:         true,
			SnapshotRetain:    2,
			HeartbeatMS:       1000,
			TickProposeMS:     500,
			RegionID:          1,
			ApplyTimeoutMS:    5000,
			TrailingLogs:      10240,
			SnapshotThreshold: 8192,
		},

		Router: RouterConfiguration{
			Workers:   4,
			QueueSize: 1024,
		},

		Publisher: PublisherConfiguration{
			Enabled: false,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}
	if *PDAddressFlag != "" {
		Config.PD.Address = *PDAddressFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("tidemark")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Server.Port < 1 || Config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", Config.Server.Port)
	}

	switch Config.CDC.RollbackPolicy {
	case RollbackSuppress, RollbackEmit:
	default:
		return fmt.Errorf("invalid rollback policy: %q", Config.CDC.RollbackPolicy)
	}

	switch Config.CDC.SplitPolicy {
	case SplitTerminate, SplitMigrate:
	default:
		return fmt.Errorf("invalid split policy: %q", Config.CDC.SplitPolicy)
	}

	if Config.CDC.RewindWindowEvents < 0 {
		return fmt.Errorf("rewind window must be >= 0")
	}

	if Config.Advancer.TickIntervalMS < 1 {
		return fmt.Errorf("advancer tick interval must be >= 1ms")
	}

	if Config.Advancer.StallThresholdMS < Config.Advancer.TickIntervalMS {
		return fmt.Errorf("stall threshold (%dms) must be >= tick interval (%dms)",
			Config.Advancer.StallThresholdMS, Config.Advancer.TickIntervalMS)
	}

	if Config.Sink.QueueCapacity < 1 {
		return fmt.Errorf("sink queue capacity must be >= 1")
	}

	switch Config.Sink.OverflowPolicy {
	case OverflowBlock, OverflowTeardown, OverflowDropOldest:
	default:
		return fmt.Errorf("invalid overflow policy: %q", Config.Sink.OverflowPolicy)
	}

	if Config.Sink.OverflowPolicy == OverflowBlock && Config.Sink.BlockTimeoutMS < 1 {
		return fmt.Errorf("block overflow policy needs block_timeout_ms >= 1")
	}

	if Config.Sink.BatchSize < 1 {
		return fmt.Errorf("sink batch size must be >= 1")
	}

	if Config.Scan.KeysPerSecond < 0 || Config.Scan.Burst < 0 {
		return fmt.Errorf("scan rate limits must be >= 0")
	}

	if Config.Server.CompressionLevel < 0 || Config.Server.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 0 and 4")
	}

	if Config.Router.Workers < 1 {
		return fmt.Errorf("router workers must be >= 1")
	}

	if Config.Router.QueueSize < 1 {
		return fmt.Errorf("router queue size must be >= 1")
	}

	if Config.Raft.Enabled && Config.Raft.RegionID == 0 {
		return fmt.Errorf("raft region id must be set")
	}

	names := make(map[string]bool, len(Config.Publisher.Sinks))
	for _, s := range Config.Publisher.Sinks {
		if s.Name == "" {
			return fmt.Errorf("publisher sink needs a name")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate publisher sink name: %s", s.Name)
		}
		names[s.Name] = true
	}

	return nil
}

// EnginePath returns the absolute engine directory
func EnginePath() string {
	if filepath.IsAbs(Config.Engine.Dir) {
		return Config.Engine.Dir
	}
	return filepath.Join(Config.DataDir, Config.Engine.Dir)
}

// IsClusterAuthEnabled returns true if a cluster secret is configured
func IsClusterAuthEnabled() bool {
	return Config.Server.ClusterSecret != ""
}

// GetClusterSecret returns the configured cluster secret
func GetClusterSecret() string {
	return Config.Server.ClusterSecret
}
