package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline counters
	RecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbridge_records_ingested_total",
			Help: "Total records accepted into the queue by source",
		},
		[]string{"source"},
	)

	RecordsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldbridge_records_sent_total",
			Help: "Total records acknowledged by the sink",
		},
	)

	RecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbridge_records_dropped_total",
			Help: "Total records dropped by drop policy",
		},
		[]string{"policy"},
	)

	RecordsSpooled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbridge_records_spooled_total",
			Help: "Total records written to the disk spool by source",
		},
		[]string{"source"},
	)

	RecordsDrained = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbridge_records_drained_total",
			Help: "Total records drained from the spool back into the queue by source",
		},
		[]string{"source"},
	)

	DLQRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbridge_dlq_records_total",
			Help: "Total records routed to the dead-letter queue by source",
		},
		[]string{"source"},
	)

	SinkRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldbridge_sink_retries_total",
			Help: "Total sink delivery retry attempts",
		},
	)

	BreakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldbridge_breaker_trips_total",
			Help: "Total circuit breaker closed-to-open transitions",
		},
	)

	ProtocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbridge_protocol_errors_total",
			Help: "Total malformed field messages skipped by source",
		},
		[]string{"source"},
	)

	ClientReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldbridge_client_reconnects_total",
			Help: "Total protocol client reconnect attempts by source",
		},
		[]string{"source"},
	)

	// Pipeline gauges
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbridge_queue_depth",
			Help: "Current number of records in the in-memory queue",
		},
	)

	SpoolBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbridge_spool_bytes",
			Help: "Current total size of spool segments on disk",
		},
	)

	InflightRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbridge_inflight_records",
			Help: "Records sent to the sink and awaiting acknowledgement",
		},
	)

	SourcesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbridge_sources_running",
			Help: "Number of protocol clients currently in the running state",
		},
	)

	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbridge_breaker_state",
			Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
		},
	)

	BatchFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldbridge_batch_flush_duration_seconds",
			Help:    "Time taken to deliver one batch to the sink",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RecordsIngested)
	prometheus.MustRegister(RecordsSent)
	prometheus.MustRegister(RecordsDropped)
	prometheus.MustRegister(RecordsSpooled)
	prometheus.MustRegister(RecordsDrained)
	prometheus.MustRegister(DLQRecords)
	prometheus.MustRegister(SinkRetries)
	prometheus.MustRegister(BreakerTrips)
	prometheus.MustRegister(ProtocolErrors)
	prometheus.MustRegister(ClientReconnects)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(SpoolBytes)
	prometheus.MustRegister(InflightRecords)
	prometheus.MustRegister(SourcesRunning)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BatchFlushDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
