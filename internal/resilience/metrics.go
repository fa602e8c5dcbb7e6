package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var breakerTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dshield_mcp",
		Subsystem: "resilience",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions by service and target state.",
	},
	[]string{"service", "state"},
)
