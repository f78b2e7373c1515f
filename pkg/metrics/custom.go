package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

var (
	RateLimitBlockTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fxpulse",
			Name:      "ratelimit_block_total",
			Help:      "Total number of rate limit blocks.",
		},
		[]string{"route"},
	)

	HTTPPanicTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fxpulse",
			Name:      "http_panic_total",
			Help:      "Handler panics recovered, by route.",
		},
		[]string{"route"},
	)

	CBRejectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fxpulse",
			Name:      "circuitbreaker_reject_total",
			Help:      "Total number of calls refused by an open breaker.",
		},
		[]string{"name"},
	)

	CBState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fxpulse",
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"name"},
	)
)

// ObserveBreaker is a ratelimit.Manager OnStateChange hook.
func ObserveBreaker(name string, _ gobreaker.State, to gobreaker.State) {
	CBState.WithLabelValues(name).Set(breakerValue(to))
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
