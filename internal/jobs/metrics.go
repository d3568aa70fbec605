package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "job_cycles_total",
		Help: "Total number of scheduler cycles by job kind and outcome",
	}, []string{"kind", "outcome"})

	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_cycle_duration_seconds",
		Help:    "Duration of scheduler cycles",
		Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"kind"})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "job_actions_total",
		Help: "Total number of scheduler actions by job kind, action and outcome",
	}, []string{"kind", "action", "outcome"})
)
