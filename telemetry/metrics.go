package telemetry

// Histogram bucket definitions
var (
	// FanoutBuckets for callbacks invoked per dispatched event
	FanoutBuckets = []float64{1, 2, 3, 5, 8, 13, 21, 34}
)

// Channel Lifecycle Metrics
var (
	// ChannelsOpen tracks physical transport channels currently open
	ChannelsOpen Gauge = NoopStat{}

	// ConsumersActive tracks consumers currently attached across all keys
	ConsumersActive Gauge = NoopStat{}

	// AcquiresTotal counts acquires by result (opened, joined, open_failed)
	AcquiresTotal CounterVec = noopCounterVec{}

	// ReleasesTotal counts releases by result (detached, closed, stale)
	ReleasesTotal CounterVec = noopCounterVec{}

	// StatusTransitionsTotal counts status transitions (from -> to)
	StatusTransitionsTotal CounterVec = noopCounterVec{}

	// TeardownsTotal counts full registry teardowns
	TeardownsTotal Counter = NoopStat{}
)

// Dispatch Metrics
var (
	// EventsDispatchedTotal counts dispatched events by operation (insert, update, delete)
	EventsDispatchedTotal CounterVec = noopCounterVec{}

	// DispatchFanout measures callbacks invoked per dispatched event
	DispatchFanout Histogram = NoopStat{}

	// CallbackPanicsTotal counts recovered consumer callback panics
	CallbackPanicsTotal Counter = NoopStat{}
)

// Journal Metrics
var (
	// JournalAppendsTotal counts events appended to the journal
	JournalAppendsTotal Counter = NoopStat{}

	// JournalPrunedTotal counts journal entries removed by retention pruning
	JournalPrunedTotal Counter = NoopStat{}

	// JournalEntries tracks entries currently retained in the journal
	JournalEntries Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Channel Lifecycle Metrics
	ChannelsOpen = NewGauge(
		"channels_open",
		"Number of physical transport channels currently open",
	)
	ConsumersActive = NewGauge(
		"consumers_active",
		"Number of consumers currently attached across all keys",
	)
	AcquiresTotal = NewCounterVec(
		"acquires_total",
		"Channel acquires by result",
		[]string{"result"},
	)
	ReleasesTotal = NewCounterVec(
		"releases_total",
		"Channel releases by result",
		[]string{"result"},
	)
	StatusTransitionsTotal = NewCounterVec(
		"status_transitions_total",
		"Connection status transitions",
		[]string{"from", "to"},
	)
	TeardownsTotal = NewCounter(
		"teardowns_total",
		"Full registry teardowns",
	)

	// Dispatch Metrics
	EventsDispatchedTotal = NewCounterVec(
		"events_dispatched_total",
		"Dispatched change events by operation",
		[]string{"op"},
	)
	DispatchFanout = NewHistogramWithBuckets(
		"dispatch_fanout",
		"Callbacks invoked per dispatched event",
		FanoutBuckets,
	)
	CallbackPanicsTotal = NewCounter(
		"callback_panics_total",
		"Recovered consumer callback panics",
	)

	// Journal Metrics
	JournalAppendsTotal = NewCounter(
		"journal_appends_total",
		"Events appended to the journal",
	)
	JournalPrunedTotal = NewCounter(
		"journal_pruned_total",
		"Journal entries removed by retention pruning",
	)
	JournalEntries = NewGauge(
		"journal_entries",
		"Entries currently retained in the journal",
	)
}
