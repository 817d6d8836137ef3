package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcriber. All Record
// methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Attachment metrics
	AttachmentsProcessed *prometheus.CounterVec
	StrategySelections   *prometheus.CounterVec
	PartitionFallbacks   prometheus.Counter
	OriginalSize         prometheus.Histogram
	PayloadSize          prometheus.Histogram

	// Audio chunking metrics
	ChunksGenerated prometheus.Counter
	ChunksSkipped   prometheus.Counter
	ChunkDuration   prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  *prometheus.CounterVec
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// Job metrics
	JobsRunning   prometheus.Gauge
	JobsCompleted *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with the default registerer
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics and registers them with reg
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Attachment metrics
		AttachmentsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_attachments_processed_total",
			Help: "Total number of audio attachments processed",
		}, []string{"outcome"}),
		StrategySelections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_strategy_selections_total",
			Help: "Processing strategies chosen per attachment",
		}, []string{"strategy"}),
		PartitionFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_partition_fallbacks_total",
			Help: "Single-pass encodes that still exceeded the upload ceiling",
		}),
		OriginalSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_attachment_size_bytes",
			Help:    "Size of original audio attachments in bytes",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 12), // 64KB to ~128MB
		}),
		PayloadSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_payload_size_bytes",
			Help:    "Size of uploaded payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10), // 64KB to ~32MB
		}),

		// Audio chunking metrics
		ChunksGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_chunks_generated_total",
			Help: "Total number of audio chunks generated by partitioning",
		}),
		ChunksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_chunks_skipped_total",
			Help: "Chunks not uploaded because no voice was detected",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_chunk_duration_seconds",
			Help:    "Duration of generated audio chunks",
			Buckets: prometheus.LinearBuckets(60, 60, 7), // 1 to 7 minutes
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}, []string{"status"}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3 minutes
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		// Job metrics
		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_jobs_running",
			Help: "Number of export jobs currently being processed",
		}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_jobs_completed_total",
			Help: "Total number of export jobs finished",
		}, []string{"status"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcriber_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordAttachment records the outcome of one attachment ("success" or "failed")
func (m *Metrics) RecordAttachment(outcome string, originalBytes int) {
	if m == nil {
		return
	}
	m.AttachmentsProcessed.WithLabelValues(outcome).Inc()
	m.OriginalSize.Observe(float64(originalBytes))
}

// RecordStrategy increments the counter for the chosen processing strategy
func (m *Metrics) RecordStrategy(strategy string) {
	if m == nil {
		return
	}
	m.StrategySelections.WithLabelValues(strategy).Inc()
}

// RecordPartitionFallback increments the single-pass overflow counter
func (m *Metrics) RecordPartitionFallback() {
	if m == nil {
		return
	}
	m.PartitionFallbacks.Inc()
}

// RecordChunkGenerated records a generated audio chunk
func (m *Metrics) RecordChunkGenerated(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ChunksGenerated.Inc()
	m.ChunkDuration.Observe(durationSeconds)
}

// RecordChunkSkipped records a silent chunk that was not uploaded
func (m *Metrics) RecordChunkSkipped() {
	if m == nil {
		return
	}
	m.ChunksSkipped.Inc()
}

// RecordTranscriptionRequest records an upload attempt and its payload size
func (m *Metrics) RecordTranscriptionRequest(sizeBytes int) {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
	m.PayloadSize.Observe(float64(sizeBytes))
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription by HTTP status
// ("0" for transport failures)
func (m *Metrics) RecordTranscriptionFailure(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.WithLabelValues(status).Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// JobStarted increments the running jobs gauge
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsRunning.Inc()
}

// JobFinished decrements the running jobs gauge and counts the final status
func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsRunning.Dec()
	m.JobsCompleted.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
