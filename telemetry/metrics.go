package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// TickBuckets for one advancer pass over every region
	TickBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// ScanBuckets for snapshot and incremental scans
	ScanBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

	// LagBuckets for resolved ts lag behind wall clock, in seconds
	LagBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300}
)

// Resolved timestamp metrics
var (
	// MinResolvedTS is the node-wide minimum resolved ts (physical ms)
	MinResolvedTS Gauge = NoopStat{}

	// ResolvedTSLagSeconds observes how far behind wall time each region is
	ResolvedTSLagSeconds Histogram = NoopStat{}

	// ResolverOutcomesTotal counts advance outcomes (advanced, held, regressed)
	ResolverOutcomesTotal CounterVec = noopCounterVec{}

	// StalledRegions tracks regions currently flagged as stalled
	StalledRegions Gauge = NoopStat{}

	// StallEpisodesTotal counts stall episodes by cause (lock, scanning, unknown)
	StallEpisodesTotal CounterVec = noopCounterVec{}

	// AdvancerTickSeconds measures one advancer pass
	AdvancerTickSeconds Histogram = NoopStat{}

	// ReportsTotal counts min-resolved-ts reports to the coordinator by result
	ReportsTotal CounterVec = noopCounterVec{}

	// OpenLocks tracks locks held across all tracked regions
	OpenLocks Gauge = NoopStat{}
)

// Apply/delegate metrics
var (
	// AppliedEntriesTotal counts entries observed by the apply hook
	AppliedEntriesTotal Counter = NoopStat{}

	// DuplicateUnlocksTotal counts tolerated duplicate unlocks
	DuplicateUnlocksTotal Counter = NoopStat{}

	// DelegateRestartsTotal counts delegates rebuilt after a fatal violation
	DelegateRestartsTotal CounterVec = noopCounterVec{}

	// Regions tracks registered regions by delegate state
	Regions GaugeVec = noopGaugeVec{}

	// RegionLifecycleTotal counts register/deregister/split/merge operations
	RegionLifecycleTotal CounterVec = noopCounterVec{}

	// ScanDurationSeconds measures scans by kind (snapshot, incremental)
	ScanDurationSeconds HistogramVec = noopHistogramVec{}

	// ScanKeysTotal counts keys emitted by scans
	ScanKeysTotal Counter = NoopStat{}

	// ResumesTotal counts resume requests by path (window, scan)
	ResumesTotal CounterVec = noopCounterVec{}
)

// Sink metrics
var (
	// SinkEventsTotal counts events handed to subscribers by kind
	SinkEventsTotal CounterVec = noopCounterVec{}

	// SinkDroppedTotal counts events dropped by the drop-oldest policy
	SinkDroppedTotal Counter = NoopStat{}

	// SinkOverflowsTotal counts connections torn down on overflow
	SinkOverflowsTotal Counter = NoopStat{}

	// SinkConnections tracks open subscriber connections
	SinkConnections Gauge = NoopStat{}

	// SinkQueuedEvents tracks events queued across all connections
	SinkQueuedEvents Gauge = NoopStat{}
)

// Router metrics
var (
	// RouterReschedulesTotal counts region moves between apply workers
	RouterReschedulesTotal Counter = NoopStat{}

	// RouterPendingMessages tracks messages held during a move
	RouterPendingMessages Gauge = NoopStat{}

	// RouterQueuedTasks tracks apply tasks waiting across worker queues
	RouterQueuedTasks Gauge = NoopStat{}
)

// Publisher metrics
var (
	// PublisherEventsTotal counts exported events by sink and result
	PublisherEventsTotal CounterVec = noopCounterVec{}

	// PublisherLag tracks events appended but not yet exported, by sink
	PublisherLag GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	MinResolvedTS = NewGauge(
		"min_resolved_ts_ms",
		"Node-wide minimum resolved timestamp (physical milliseconds)",
	)
	ResolvedTSLagSeconds = NewHistogramWithBuckets(
		"resolved_ts_lag_seconds",
		"Lag of region resolved timestamps behind wall time",
		LagBuckets,
	)
	ResolverOutcomesTotal = NewCounterVec(
		"resolver_outcomes_total",
		"Resolver advance outcomes",
		[]string{"outcome"},
	)
	StalledRegions = NewGauge(
		"resolver_stalled_regions",
		"Regions whose resolved timestamp is stalled",
	)
	StallEpisodesTotal = NewCounterVec(
		"resolver_stall_episodes_total",
		"Stall episodes by diagnosed cause",
		[]string{"cause"},
	)
	AdvancerTickSeconds = NewHistogramWithBuckets(
		"advancer_tick_seconds",
		"Duration of one advancer pass",
		TickBuckets,
	)
	ReportsTotal = NewCounterVec(
		"pd_reports_total",
		"Min resolved ts reports by result",
		[]string{"result"},
	)
	OpenLocks = NewGauge(
		"open_locks",
		"Open locks across tracked regions",
	)

	AppliedEntriesTotal = NewCounter(
		"applied_entries_total",
		"Entries observed by the apply hook",
	)
	DuplicateUnlocksTotal = NewCounter(
		"duplicate_unlocks_total",
		"Duplicate unlocks tolerated",
	)
	DelegateRestartsTotal = NewCounterVec(
		"delegate_restarts_total",
		"Delegates rebuilt after a fatal violation",
		[]string{"reason"},
	)
	Regions = NewGaugeVec(
		"regions",
		"Registered regions by delegate state",
		[]string{"state"},
	)
	RegionLifecycleTotal = NewCounterVec(
		"region_lifecycle_total",
		"Region lifecycle operations",
		[]string{"op"},
	)
	ScanDurationSeconds = NewHistogramVec(
		"scan_duration_seconds",
		"Scan duration by kind",
		[]string{"kind"},
		ScanBuckets,
	)
	ScanKeysTotal = NewCounter(
		"scan_keys_total",
		"Keys emitted by scans",
	)
	ResumesTotal = NewCounterVec(
		"resumes_total",
		"Resume requests by path",
		[]string{"path"},
	)

	SinkEventsTotal = NewCounterVec(
		"sink_events_total",
		"Events delivered to subscribers by kind",
		[]string{"kind"},
	)
	SinkDroppedTotal = NewCounter(
		"sink_dropped_total",
		"Events dropped by the drop-oldest policy",
	)
	SinkOverflowsTotal = NewCounter(
		"sink_overflows_total",
		"Subscriber connections torn down on overflow",
	)
	SinkConnections = NewGauge(
		"sink_connections",
		"Open subscriber connections",
	)
	SinkQueuedEvents = NewGauge(
		"sink_queued_events",
		"Events queued across subscriber connections",
	)

	RouterReschedulesTotal = NewCounter(
		"router_reschedules_total",
		"Region moves between apply workers",
	)
	RouterPendingMessages = NewGauge(
		"router_pending_messages",
		"Messages held while a region moves between workers",
	)
	RouterQueuedTasks = NewGauge(
		"router_queued_tasks",
		"Apply tasks waiting across worker queues",
	)

	PublisherEventsTotal = NewCounterVec(
		"publisher_events_total",
		"Exported change events by sink and result",
		[]string{"sink", "result"},
	)
	PublisherLag = NewGaugeVec(
		"publisher_lag_events",
		"Change events appended but not yet exported",
		[]string{"sink"},
	)
}
