// Package metrics exposes prometheus counters for the lifecycle core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts request lifecycle transition attempts by outcome.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careflow_request_transitions_total",
		Help: "Request lifecycle transition attempts.",
	}, []string{"transition", "outcome"})

	// Applications counts bid ledger operations by outcome.
	Applications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careflow_applications_total",
		Help: "Bid ledger operations.",
	}, []string{"operation", "outcome"})
)

// Observe records one transition attempt.
func Observe(vec *prometheus.CounterVec, name string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	vec.WithLabelValues(name, outcome).Inc()
}
