package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Guard tags for safety-block counters.
const (
	GuardKillSwitch     = "kill_switch"
	GuardAccountState   = "account_state"
	GuardRiskGovernor   = "risk_governor"
	GuardCircuitBreaker = "circuit_breaker"
)

var (
	// SafetyBlocks counts executor aborts by guard tag.
	SafetyBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hivemind",
		Subsystem: "executor",
		Name:      "safety_blocks_total",
		Help:      "Execution attempts blocked by a safety guard.",
	}, []string{"guard"})

	// SignalsEmitted counts consensus signals by symbol and direction.
	SignalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hivemind",
		Subsystem: "consensus",
		Name:      "signals_emitted_total",
		Help:      "Consensus signals emitted.",
	}, []string{"symbol", "direction"})

	// OrdersPlaced counts live order attempts by venue and outcome.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hivemind",
		Subsystem: "executor",
		Name:      "orders_placed_total",
		Help:      "Order placements by venue and result.",
	}, []string{"venue", "result"})

	// StopTriggers counts stop-manager exits by reason.
	StopTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hivemind",
		Subsystem: "stops",
		Name:      "triggers_total",
		Help:      "Stop exits by reason.",
	}, []string{"reason"})

	// VenueHealthy tracks the health-check verdict per venue.
	VenueHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hivemind",
		Subsystem: "exchange",
		Name:      "venue_healthy",
		Help:      "1 when the venue passed its last health probe.",
	}, []string{"venue"})
)
