// Package metrics exposes the engine's Prometheus collectors behind one
// registry, so the API server and tests each own an isolated instance
// instead of sharing process globals.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trading"

// Registry bundles every collector the engine reports into.
type Registry struct {
	reg *prometheus.Registry

	signalsGenerated *prometheus.CounterVec
	signalsAccepted  *prometheus.CounterVec
	signalsRejected  *prometheus.CounterVec
	ordersPlaced     *prometheus.CounterVec
	ordersFailed     *prometheus.CounterVec
	exitsExecuted    *prometheus.CounterVec
	openPositions    prometheus.Gauge
	dailyPnL         prometheus.Gauge
	monitorIteration prometheus.Histogram
	brokerCalls      *prometheus.HistogramVec
	brokerErrors     *prometheus.CounterVec
	biasDirection    prometheus.Gauge
	biasConfidence   prometheus.Gauge
	feedTicks        prometheus.Counter
}

// NewRegistry builds and registers all collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		signalsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_generated_total",
			Help:      "Candidate signals produced by the strategy pool.",
		}, []string{"strategy"}),

		signalsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_accepted_total",
			Help:      "Signals that cleared enhancement, dedup and risk.",
		}, []string{"strategy"}),

		signalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_rejected_total",
			Help:      "Signals dropped before allocation, by stage.",
		}, []string{"strategy", "reason"}),

		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders acknowledged by the venue.",
		}, []string{"strategy"}),

		ordersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_failed_total",
			Help:      "Orders rejected before or by the venue.",
		}, []string{"strategy"}),

		exitsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_executed_total",
			Help:      "Position exits by trigger reason.",
		}, []string{"reason"}),

		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Open positions in the book.",
		}),

		dailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_realized_pnl",
			Help:      "Realized P&L for the current trading day.",
		}),

		monitorIteration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_iteration_seconds",
			Help:      "Position monitor pass duration.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		brokerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_call_seconds",
			Help:      "Broker call duration by operation.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"op"}),

		brokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_errors_total",
			Help:      "Broker call failures by operation.",
		}, []string{"op"}),

		biasDirection: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bias_direction",
			Help:      "Market bias: 1 bullish, -1 bearish, 0 neutral.",
		}),

		biasConfidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bias_confidence",
			Help:      "Market bias confidence on the 0-10 scale.",
		}),

		feedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_ticks_total",
			Help:      "Quotes consumed from the market feed.",
		}),
	}

	r.reg.MustRegister(
		r.signalsGenerated, r.signalsAccepted, r.signalsRejected,
		r.ordersPlaced, r.ordersFailed, r.exitsExecuted,
		r.openPositions, r.dailyPnL,
		r.monitorIteration, r.brokerCalls, r.brokerErrors,
		r.biasDirection, r.biasConfidence, r.feedTicks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Registry) SignalGenerated(strategy string) {
	r.signalsGenerated.WithLabelValues(strategy).Inc()
}

func (r *Registry) SignalAccepted(strategy string) {
	r.signalsAccepted.WithLabelValues(strategy).Inc()
}

func (r *Registry) SignalRejected(strategy, reason string) {
	r.signalsRejected.WithLabelValues(strategy, reason).Inc()
}

func (r *Registry) OrderPlaced(strategy string) {
	r.ordersPlaced.WithLabelValues(strategy).Inc()
}

func (r *Registry) OrderFailed(strategy string) {
	r.ordersFailed.WithLabelValues(strategy).Inc()
}

func (r *Registry) ExitExecuted(reason string) {
	r.exitsExecuted.WithLabelValues(reason).Inc()
}

func (r *Registry) SetOpenPositions(n int) {
	r.openPositions.Set(float64(n))
}

func (r *Registry) SetDailyPnL(v float64) {
	r.dailyPnL.Set(v)
}

// ObserveMonitorIteration is shaped to plug straight into the monitor's
// iteration observer hook.
func (r *Registry) ObserveMonitorIteration(d time.Duration) {
	r.monitorIteration.Observe(d.Seconds())
}

func (r *Registry) ObserveBrokerCall(op string, d time.Duration, err error) {
	r.brokerCalls.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		r.brokerErrors.WithLabelValues(op).Inc()
	}
}

func (r *Registry) FeedTick() {
	r.feedTicks.Inc()
}

// SetBias folds the direction string onto a signed gauge so dashboards can
// plot flips without label joins.
func (r *Registry) SetBias(direction string, confidence float64) {
	switch direction {
	case "BULLISH":
		r.biasDirection.Set(1)
	case "BEARISH":
		r.biasDirection.Set(-1)
	default:
		r.biasDirection.Set(0)
	}
	r.biasConfidence.Set(confidence)
}
