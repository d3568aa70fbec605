package notify

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	// eventsTotal counts delivered events by type.
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_events_total",
		Help: "Total number of engine events by type",
	}, []string{"type"})

	// droppedEvents counts events dropped because the buffer was full.
	droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_events_dropped_total",
		Help: "Total number of engine events dropped by type",
	}, []string{"type"})

	// sinkErrors counts failed deliveries per sink.
	sinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_sink_errors_total",
		Help: "Total number of failed event deliveries by sink",
	}, []string{"sink"})
)

// LogSink writes every event as a structured log line
type LogSink struct {
	logger *zerolog.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *zerolog.Logger) *LogSink {
	l := logger.With().Str("component", "events").Logger()
	return &LogSink{logger: &l}
}

// Name implements Sink
func (s *LogSink) Name() string { return "log" }

// Handle implements Sink
func (s *LogSink) Handle(_ context.Context, ev Event) error {
	level := zerolog.InfoLevel
	switch ev.Type {
	case EventError:
		level = zerolog.WarnLevel
	case EventTaskProgress:
		level = zerolog.DebugLevel
	}
	e := s.logger.WithLevel(level).
		Str("event", string(ev.Type)).
		Str("tenant_id", ev.TenantID)
	if ev.JobKind != "" {
		e = e.Str("job_kind", ev.JobKind)
	}
	if ev.TaskID != "" {
		e = e.Str("task_id", ev.TaskID)
	}
	if len(ev.Data) > 0 {
		e = e.Interface("data", ev.Data)
	}
	e.Msg("Engine event")
	return nil
}

// MetricsSink counts events in Prometheus
type MetricsSink struct{}

// Name implements Sink
func (MetricsSink) Name() string { return "metrics" }

// Handle implements Sink
func (MetricsSink) Handle(_ context.Context, ev Event) error {
	eventsTotal.WithLabelValues(string(ev.Type)).Inc()
	return nil
}
