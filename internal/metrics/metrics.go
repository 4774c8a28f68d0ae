// Package metrics exposes the engine's event-bus traffic as Prometheus
// series. Grounded on SynapseStrike's internal/metrics/metrics.go: a
// package-owned prometheus.Registry populated via promauto, one
// exported Update/Record function per event family, and an Init that
// registers the standard Go/process collectors alongside the
// domain-specific ones.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kis-trend-atr/engine/internal/eventbus"
)

// Registry is the engine's own Prometheus registry, kept separate from
// the global default registry so tests can build a fresh one per case.
var Registry = prometheus.NewRegistry()

var (
	ordersTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kis_trend_atr", Subsystem: "orders", Name: "total",
			Help: "Orders submitted, labeled by side and fill outcome.",
		},
		[]string{"symbol", "side", "result"},
	)

	positionsOpen = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kis_trend_atr", Subsystem: "positions", Name: "open",
			Help: "1 while a symbol has an open position, 0 otherwise.",
		},
		[]string{"symbol"},
	)

	realizedPnL = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kis_trend_atr", Subsystem: "positions", Name: "realized_pnl_won_total",
			Help: "Cumulative realized P&L in KRW (gains and losses), labeled by symbol and exit reason.",
		},
		[]string{"symbol", "reason"},
	)

	riskCheckFailuresTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kis_trend_atr", Subsystem: "risk", Name: "check_failures_total",
			Help: "Risk-manager order checks that failed, labeled by rule.",
		},
		[]string{"rule"},
	)

	killSwitchTrippedTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "kis_trend_atr", Subsystem: "risk", Name: "kill_switch_tripped_total",
			Help: "Times the daily kill switch has tripped.",
		},
	)

	reconcileOutcomesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kis_trend_atr", Subsystem: "reconcile", Name: "outcomes_total",
			Help: "Position reconciliation runs, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	networkUnavailableTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "kis_trend_atr", Subsystem: "broker", Name: "network_unavailable_total",
			Help: "Times the circuit breaker declared the broker network unavailable.",
		},
	)
)

// Init registers the standard Go/process collectors, matching the
// teacher's Init().
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Sink subscribes to an event bus and folds every event into the
// package's Prometheus series. Core publishers never await it — per
// §4.12, sinks only observe.
type Sink struct {
	bus *eventbus.Bus
}

// NewSink builds a Sink over bus. Call Run in its own goroutine.
func NewSink(bus *eventbus.Bus) *Sink {
	return &Sink{bus: bus}
}

// Run drains events from ch until done is closed or ch is closed.
func (s *Sink) Run(ch <-chan eventbus.Event, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.observe(ev)
		}
	}
}

func (s *Sink) observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.OrderSubmitted, eventbus.OrderFilled, eventbus.OrderPartial, eventbus.OrderCancelled:
		payload, ok := ev.Payload.(eventbus.OrderPayload)
		if !ok {
			return
		}
		ordersTotal.WithLabelValues(ev.Symbol.String(), string(payload.Side), string(ev.Type)).Inc()

	case eventbus.PositionOpened:
		positionsOpen.WithLabelValues(ev.Symbol.String()).Set(1)

	case eventbus.PositionClosed:
		positionsOpen.WithLabelValues(ev.Symbol.String()).Set(0)
		if payload, ok := ev.Payload.(eventbus.PositionPayload); ok {
			pnl, _ := payload.PnL.Float64()
			realizedPnL.WithLabelValues(ev.Symbol.String(), string(payload.Reason)).Add(pnl)
		}

	case eventbus.RiskCheckFailed:
		if payload, ok := ev.Payload.(eventbus.RiskCheckFailedPayload); ok {
			riskCheckFailuresTotal.WithLabelValues(payload.Rule).Inc()
		}

	case eventbus.KillSwitchTripped:
		killSwitchTrippedTotal.Inc()

	case eventbus.ReconcileOutcome:
		if payload, ok := ev.Payload.(eventbus.ReconcileOutcomePayload); ok {
			reconcileOutcomesTotal.WithLabelValues(string(payload.Result.Outcome)).Inc()
		}

	case eventbus.NetworkUnavailable:
		networkUnavailableTotal.Inc()
	}
}
