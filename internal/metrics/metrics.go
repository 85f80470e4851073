// Package metrics exposes band engine counters and gauges for Prometheus:
//
//	bandgrid_cycles_total{result}                cycles run (ok|partial)
//	bandgrid_cycle_duration_seconds              wall time of a cycle
//	bandgrid_symbol_failures_total{symbol}       symbol passes aborted by an error
//	bandgrid_orders_total{symbol,side,type}      orders accepted by the venue
//	bandgrid_order_errors_total{symbol,side}     orders refused or failed
//	bandgrid_fills_total{symbol,side}            leg fills recorded
//	bandgrid_pruned_total{symbol,reason}         bands removed by the pruner
//	bandgrid_bands{symbol,status}                band rows per status after a pass
//	bandgrid_realized_quote_total{symbol}        quote profit from completed bands
//	bandgrid_last_cycle_timestamp_seconds        unix time of the last finished cycle
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Recorder owns its registry so tests and multiple engines never collide
// on the global one. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	symbolFailures *prometheus.CounterVec
	orders         *prometheus.CounterVec
	orderErrors    *prometheus.CounterVec
	fills          *prometheus.CounterVec
	pruned         *prometheus.CounterVec
	bands          *prometheus.GaugeVec
	realizedQuote  *prometheus.CounterVec
	lastCycle      prometheus.Gauge
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandgrid_cycles_total",
			Help: "Cycles run, by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bandgrid_cycle_duration_seconds",
			Help:    "Wall time of one cycle over all symbols.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		symbolFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandgrid_symbol_failures_total",
			Help: "Symbol passes aborted by an error.",
		}, []string{"symbol"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandgrid_orders_total",
			Help: "Orders accepted by the venue.",
		}, []string{"symbol", "side", "type"}),
		orderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandgrid_order_errors_total",
			Help: "Order submissions refused or failed.",
		}, []string{"symbol", "side"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandgrid_fills_total",
			Help: "Band leg fills recorded.",
		}, []string{"symbol", "side"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandgrid_pruned_total",
			Help: "Bands removed by the pruner, by reason.",
		}, []string{"symbol", "reason"}),
		bands: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bandgrid_bands",
			Help: "Band rows per status after the last symbol pass.",
		}, []string{"symbol", "status"}),
		realizedQuote: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandgrid_realized_quote_total",
			Help: "Quote currency realised by completed bands.",
		}, []string{"symbol"}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bandgrid_last_cycle_timestamp_seconds",
			Help: "Unix time of the last finished cycle.",
		}),
	}
	r.registry.MustRegister(
		r.cycles, r.cycleDuration, r.symbolFailures,
		r.orders, r.orderErrors, r.fills, r.pruned,
		r.bands, r.realizedQuote, r.lastCycle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) CycleFinished(d time.Duration, failedSymbols int, at time.Time) {
	if r == nil {
		return
	}
	result := "ok"
	if failedSymbols > 0 {
		result = "partial"
	}
	r.cycles.WithLabelValues(result).Inc()
	r.cycleDuration.Observe(d.Seconds())
	r.lastCycle.Set(float64(at.Unix()))
}

func (r *Recorder) SymbolFailed(symbol string) {
	if r == nil {
		return
	}
	r.symbolFailures.WithLabelValues(symbol).Inc()
}

func (r *Recorder) OrderPlaced(symbol, side, orderType string) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(symbol, side, orderType).Inc()
}

func (r *Recorder) OrderFailed(symbol, side string) {
	if r == nil {
		return
	}
	r.orderErrors.WithLabelValues(symbol, side).Inc()
}

func (r *Recorder) Fill(symbol, side string) {
	if r == nil {
		return
	}
	r.fills.WithLabelValues(symbol, side).Inc()
}

func (r *Recorder) Pruned(symbol, reason string) {
	if r == nil {
		return
	}
	r.pruned.WithLabelValues(symbol, reason).Inc()
}

func (r *Recorder) BandCounts(symbol string, counts map[string]int) {
	if r == nil {
		return
	}
	for status, n := range counts {
		r.bands.WithLabelValues(symbol, status).Set(float64(n))
	}
}

// Realized adds a completed band's quote profit. Losses are not counted
// since a counter only grows.
func (r *Recorder) Realized(symbol string, quote decimal.Decimal) {
	if r == nil || !quote.IsPositive() {
		return
	}
	r.realizedQuote.WithLabelValues(symbol).Add(quote.InexactFloat64())
}
