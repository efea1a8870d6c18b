package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "runs",
			Name:      "transitions_total",
			Help:      "Pipeline run status transitions",
		},
		[]string{"from", "to"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipelined",
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Stage attempt duration by handler",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage", "handler"},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipelined",
			Subsystem: "runs",
			Name:      "active",
			Help:      "Runs currently holding a worker",
		},
	)

	persistErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "runs",
			Name:      "persist_errors_total",
			Help:      "Run records that failed to persist",
		},
	)

	redactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "stage",
			Name:      "redactions_total",
			Help:      "Credential matches redacted from stage outputs",
		},
		[]string{"stage", "rule"},
	)
)
