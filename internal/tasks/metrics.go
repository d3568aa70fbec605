package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_submitted_total",
		Help: "Total number of submitted tasks by kind",
	}, []string{"kind"})

	finishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_finished_total",
		Help: "Total number of finished tasks by terminal status",
	}, []string{"status"})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "task_operations_total",
		Help: "Total number of executed task operations by outcome",
	}, []string{"outcome"})
)
