package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// eventsTotal counts recorded events by kind.
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Audit events recorded, by kind",
		},
		[]string{"kind"},
	)

	sinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "audit",
			Name:      "sink_errors_total",
			Help:      "Failed audit sink appends, by sink",
		},
		[]string{"sink"},
	)
)
