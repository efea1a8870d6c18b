package approval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipelined",
		Subsystem: "approval",
		Name:      "pending",
		Help:      "Approval requests awaiting a decision",
	})

	resolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "approval",
			Name:      "resolved_total",
			Help:      "Resolved approval requests by decision and resolver",
		},
		[]string{"decision", "resolver"},
	)
)
