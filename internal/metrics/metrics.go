package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set carries every counter the engine reports. One instance per process,
// constructor injected so tests never fight over a global registry.
type Set struct {
	registry *prometheus.Registry

	cycles       *prometheus.CounterVec
	orders       *prometheus.CounterVec
	breaches     *prometheus.CounterVec
	limiterWaits *prometheus.CounterVec
	lifecycle    *prometheus.GaugeVec
}

func New() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Set{
		registry: reg,
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ladder", Name: "cycles_total",
			Help: "Engine cycles, partitioned by outcome.",
		}, []string{"symbol", "outcome"}),
		orders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ladder", Name: "orders_fired_total",
			Help: "Orders submitted to the broker.",
		}, []string{"symbol", "direction", "kind"}),
		breaches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ladder", Name: "risk_breaches_total",
			Help: "Sticky risk control breaches tripped.",
		}, []string{"symbol"}),
		limiterWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ladder", Name: "rate_limiter_waits_total",
			Help: "Broker calls that had to wait for bucket capacity.",
		}, []string{"broker", "operation"}),
		lifecycle: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ladder", Name: "lifecycle_state",
			Help: "1 for the instrument's current lifecycle state, 0 otherwise.",
		}, []string{"symbol", "state"}),
	}
}

// Handler serves the scrape endpoint for this set's registry.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *Set) CycleRan(symbol string, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	s.cycles.WithLabelValues(symbol, outcome).Inc()
}

func (s *Set) OrderFired(symbol, direction string, market bool) {
	kind := "limit"
	if market {
		kind = "market"
	}
	s.orders.WithLabelValues(symbol, direction, kind).Inc()
}

func (s *Set) BreachTripped(symbol string) {
	s.breaches.WithLabelValues(symbol).Inc()
}

func (s *Set) LimiterWaited(broker, operation string) {
	s.limiterWaits.WithLabelValues(broker, operation).Inc()
}

// SetLifecycle flips the state gauge family so dashboards can show where
// every instrument sits.
func (s *Set) SetLifecycle(symbol, state string, states []string) {
	for _, candidate := range states {
		v := 0.0
		if candidate == state {
			v = 1.0
		}
		s.lifecycle.WithLabelValues(symbol, candidate).Set(v)
	}
}
