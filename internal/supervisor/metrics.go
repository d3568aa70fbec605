package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "supervisor_jobs_running",
		Help: "Number of jobs running on this node by kind",
	}, []string{"kind"})

	startsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_starts_total",
		Help: "Total number of job start attempts by kind and outcome",
	}, []string{"kind", "outcome"})

	stopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_stops_total",
		Help: "Total number of job stops by kind and whether termination was forced",
	}, []string{"kind", "forced"})

	crashesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_crashes_detected_total",
		Help: "Total number of dead jobs found by recovery or the staleness sweep",
	}, []string{"kind"})

	heartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_heartbeat_failures_total",
		Help: "Total number of heartbeat writes that failed",
	})
)
