package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pipelined",
		Subsystem: "recovery",
		Name:      "decisions_total",
		Help:      "Recovery decisions per stage and action",
	},
	[]string{"stage", "action"},
)
