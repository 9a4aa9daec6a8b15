package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// DeliveryBuckets for sink deliveries (stdout write up to remote broker/HTTP round trips)
	DeliveryBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// FetchBuckets for upstream fetch round trips
	FetchBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// BatchSizeBuckets for rows returned per fetch
	BatchSizeBuckets = []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}
)

// Upstream Metrics
var (
	// FetchesTotal counts slot fetches by result (rows, empty, failed)
	FetchesTotal CounterVec = noopCounterVec{}

	// FetchDurationSeconds measures slot fetch latency
	FetchDurationSeconds Histogram = NoopStat{}

	// RowsPerFetch measures rows returned per non-empty fetch
	RowsPerFetch Histogram = NoopStat{}

	// LastReceivedLSN tracks the last LSN returned by the upstream
	LastReceivedLSN Gauge = NoopStat{}

	// LastProcessedLSN tracks the last LSN fully dispatched
	LastProcessedLSN Gauge = NoopStat{}

	// BufferedChanges tracks decoded changes waiting for delivery
	BufferedChanges Gauge = NoopStat{}
)

// Decoder Metrics
var (
	// ChangesDecodedTotal counts decoded changes by kind
	ChangesDecodedTotal CounterVec = noopCounterVec{}

	// DecodeErrorsTotal counts messages that failed to decode
	DecodeErrorsTotal Counter = NoopStat{}

	// CatalogRelations tracks the number of relations known to the catalog
	CatalogRelations Gauge = NoopStat{}
)

// Delivery Metrics
var (
	// SinkDeliveriesTotal counts deliveries by sink and result (success, failed)
	SinkDeliveriesTotal CounterVec = noopCounterVec{}

	// SinkDeliverySeconds measures delivery latency by sink
	SinkDeliverySeconds HistogramVec = noopHistogramVec{}

	// SinkRetriesTotal counts delivery retry attempts by sink
	SinkRetriesTotal CounterVec = noopCounterVec{}

	// DispatchFailuresTotal counts dispatches where at least one sink failed
	DispatchFailuresTotal Counter = NoopStat{}

	// FilteredChangesTotal counts changes skipped by the table filter
	FilteredChangesTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Upstream Metrics
	FetchesTotal = NewCounterVec(
		"fetches_total",
		"Slot fetches by result",
		[]string{"result"},
	)
	FetchDurationSeconds = NewHistogramWithBuckets(
		"fetch_duration_seconds",
		"Slot fetch duration in seconds",
		FetchBuckets,
	)
	RowsPerFetch = NewHistogramWithBuckets(
		"rows_per_fetch",
		"Number of rows returned per non-empty fetch",
		BatchSizeBuckets,
	)
	LastReceivedLSN = NewGauge(
		"last_received_lsn",
		"Last LSN returned by the upstream",
	)
	LastProcessedLSN = NewGauge(
		"last_processed_lsn",
		"Last LSN dispatched to every sink",
	)
	BufferedChanges = NewGauge(
		"buffered_changes",
		"Decoded changes waiting for delivery",
	)

	// Decoder Metrics
	ChangesDecodedTotal = NewCounterVec(
		"changes_decoded_total",
		"Decoded changes by kind",
		[]string{"kind"},
	)
	DecodeErrorsTotal = NewCounter(
		"decode_errors_total",
		"Messages that failed to decode",
	)
	CatalogRelations = NewGauge(
		"catalog_relations",
		"Relations known to the catalog",
	)

	// Delivery Metrics
	SinkDeliveriesTotal = NewCounterVec(
		"sink_deliveries_total",
		"Sink deliveries by sink and result",
		[]string{"sink", "result"},
	)
	SinkDeliverySeconds = NewHistogramVec(
		"sink_delivery_seconds",
		"Sink delivery duration in seconds",
		[]string{"sink"},
		DeliveryBuckets,
	)
	SinkRetriesTotal = NewCounterVec(
		"sink_retries_total",
		"Sink delivery retries by sink",
		[]string{"sink"},
	)
	DispatchFailuresTotal = NewCounter(
		"dispatch_failures_total",
		"Dispatches where at least one sink failed",
	)
	FilteredChangesTotal = NewCounter(
		"filtered_changes_total",
		"Changes skipped by the table filter",
	)
}
