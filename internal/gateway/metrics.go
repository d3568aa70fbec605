package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// callsTotal counts resolved calls by operation and outcome.
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_calls_total",
		Help: "Total number of ad platform calls by operation and outcome",
	}, []string{"operation", "outcome"})

	// attemptsTotal counts individual attempts including retries.
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_attempts_total",
		Help: "Total number of ad platform call attempts by operation",
	}, []string{"operation"})

	// callDuration tracks end-to-end latency including limiter waits and backoff.
	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_call_duration_seconds",
		Help:    "Ad platform call latency including retries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"operation"})
)

// MetricsRecorder records gateway metrics
type MetricsRecorder struct{}

// NewMetricsRecorder creates a new metrics recorder
func NewMetricsRecorder() *MetricsRecorder {
	return &MetricsRecorder{}
}

// RecordAttempt records one attempt of an operation
func (m *MetricsRecorder) RecordAttempt(operation string) {
	attemptsTotal.WithLabelValues(operation).Inc()
}

// RecordCall records a resolved call
func (m *MetricsRecorder) RecordCall(operation, outcome string, latency time.Duration) {
	callsTotal.WithLabelValues(operation, outcome).Inc()
	callDuration.WithLabelValues(operation).Observe(latency.Seconds())
}
