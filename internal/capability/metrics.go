package capability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "tokens",
			Name:      "issued_total",
			Help:      "Capability tokens issued per scope and tier",
		},
		[]string{"scope", "tier"},
	)

	tokensDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "tokens",
			Name:      "denied_total",
			Help:      "Capability token requests refused by policy",
		},
		[]string{"scope"},
	)

	tokensRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "tokens",
			Name:      "rejected_total",
			Help:      "Capability token validations or uses refused, by reason",
		},
		[]string{"reason"},
	)
)
