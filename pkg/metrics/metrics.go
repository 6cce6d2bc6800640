package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BufferOccupancy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_buffer_occupancy",
			Help: "Current number of records held in the ingress buffer (count)",
		},
	)

	BufferCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_buffer_capacity",
			Help: "Configured ingress buffer capacity (count)",
		},
	)

	RecordsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_submitted_total",
			Help: "Total number of records offered to the ingress buffer (count)",
		},
		[]string{"status"}, // accepted, rejected, dropped
	)

	RecordsCommittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_records_committed_total",
			Help: "Total number of records durably committed to the store (count)",
		},
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_batches_total",
			Help: "Total number of batches by terminal outcome (count)",
		},
		[]string{"outcome"}, // committed, dead_lettered, spilled
	)

	BatchSizeRecords = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_batch_size_records",
			Help:    "Number of records per closed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
	)

	WriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_write_duration_ms",
			Help:    "Duration of batch write attempts in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"outcome"},
	)

	WriteRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_write_retries_total",
			Help: "Total number of batch write retry attempts (count)",
		},
	)

	DeadLetterBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_dead_letter_batches_total",
			Help: "Total number of batches routed to the dead-letter sink (count)",
		},
		[]string{"reason"}, // fatal, retry_exhausted
	)

	SpilledBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_spilled_batches_total",
			Help: "Total number of batches spilled to local storage on shutdown (count)",
		},
	)

	ParseFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_parse_failures_total",
			Help: "Total number of raw log lines that failed to parse (count)",
		},
		[]string{"format"},
	)

	SourceRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_source_records_total",
			Help: "Total number of records read from external sources (count)",
		},
		[]string{"source", "status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

// RegisterPipelineMetrics registers every collector the ingest pipeline uses.
// Safe to call more than once.
func RegisterPipelineMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(BufferOccupancy)
		prometheus.MustRegister(BufferCapacity)
		prometheus.MustRegister(RecordsSubmittedTotal)
		prometheus.MustRegister(RecordsCommittedTotal)
		prometheus.MustRegister(BatchesTotal)
		prometheus.MustRegister(BatchSizeRecords)
		prometheus.MustRegister(WriteDuration)
		prometheus.MustRegister(WriteRetriesTotal)
		prometheus.MustRegister(DeadLetterBatchesTotal)
		prometheus.MustRegister(SpilledBatchesTotal)
		prometheus.MustRegister(ParseFailuresTotal)
		prometheus.MustRegister(SourceRecordsTotal)
		prometheus.MustRegister(CircuitBreakerState)
		prometheus.MustRegister(RateLimitRequestsTotal)
	})
}
