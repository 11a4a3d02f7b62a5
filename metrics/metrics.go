package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

type CompressAPIMetrics struct {
	CompressRequestCount       prometheus.Counter
	CompressRequestDurationSec *prometheus.SummaryVec
	HTTPRequestsInFlight       prometheus.Gauge

	JobsCompleted     *prometheus.CounterVec
	JobAttempts       prometheus.Counter
	StageDurationSec  *prometheus.HistogramVec
	QueueDepth        *prometheus.GaugeVec
	TranscodeFailures *prometheus.CounterVec

	WebhookClient ClientMetrics
}

func NewMetrics() *CompressAPIMetrics {
	m := &CompressAPIMetrics{
		// /api/compress request metrics
		CompressRequestCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "compress_request_count",
			Help: "The total number of requests to /api/compress",
		}),
		CompressRequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "compress_request_duration_seconds",
			Help: "The latency of the requests made to /api/compress in seconds broken up by success and status code",
		}, []string{"success", "status_code"}),
		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "The number of API requests currently being served",
		}),

		// Pipeline metrics
		JobsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_completed_count",
			Help: "The total number of jobs reaching a terminal state, broken up by state",
		}, []string{"state"}),
		JobAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "job_attempts_count",
			Help: "The total number of pipeline attempts started",
		}),
		StageDurationSec: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Time taken by each pipeline stage",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage", "success"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of jobs in the broker broken up by lifecycle state",
		}, []string{"state"}),
		TranscodeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_failure_count",
			Help: "The total number of per-quality transcode failures",
		}, []string{"quality"}),

		// Webhook client metrics
		WebhookClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "webhook_client_retry_count",
				Help: "The number of retries of a successful webhook delivery",
			}, []string{"host"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "webhook_client_failure_count",
				Help: "The total number of failed webhook deliveries",
			}, []string{"host", "status_code"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "webhook_client_request_duration",
				Help:    "Time taken to deliver webhook events",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"host"}),
		},
	}

	return m
}

// Metrics is a global instance, following the pattern of the global config
var Metrics = NewMetrics()
