package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stateGauge reports 0 for closed, 1 for half-open and 2 for open.
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pipelined",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per stage (0=closed, 1=half-open, 2=open)",
		},
		[]string{"stage"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker transitions per stage",
		},
		[]string{"stage", "from", "to"},
	)
)

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}
