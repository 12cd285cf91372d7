// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatcher_circuit_breaker_state",
		Help: "Circuit breaker state by campaign (closed=1, half-open=1, open=1; others 0)",
	}, []string{"campaign_id", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips (transitions to open state)",
	}, []string{"campaign_id", "reason"})
)

var circuitStates = []string{"closed", "half-open", "open"}

// SetCircuitBreakerState records the active circuit breaker state for a campaign.
func SetCircuitBreakerState(campaignID, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(campaignID, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a campaign's
// circuit breaker opens.
func RecordCircuitBreakerTrip(campaignID, reason string) {
	circuitBreakerTrips.WithLabelValues(campaignID, reason).Inc()
}
