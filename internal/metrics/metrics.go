package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Recorder holds the bot's Prometheus collectors.
type Recorder struct {
	registry      *prometheus.Registry
	cycles        *prometheus.CounterVec
	signals       *prometheus.CounterVec
	orders        *prometheus.CounterVec
	stopMoves     *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	balance       prometheus.Gauge
	openPositions *prometheus.GaugeVec
	cycleDuration prometheus.Histogram
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emabot_cycles_total",
				Help: "Decision cycles by outcome",
			},
			[]string{"outcome"},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emabot_signals_total",
				Help: "Crossover signals computed",
			},
			[]string{"symbol", "signal"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emabot_orders_total",
				Help: "Orders by result",
			},
			[]string{"symbol", "side", "result"},
		),
		stopMoves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emabot_break_even_moves_total",
				Help: "Stop-loss moves to break-even by result",
			},
			[]string{"symbol", "result"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emabot_errors_total",
				Help: "Errors by operation",
			},
			[]string{"operation"},
		),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emabot_account_balance",
			Help: "Last observed account balance",
		}),
		openPositions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "emabot_open_positions",
				Help: "Open positions on the symbol",
			},
			[]string{"symbol"},
		),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "emabot_cycle_duration_seconds",
			Help:    "Duration of decision cycles",
			Buckets: prometheus.DefBuckets,
		}),
	}
	r.registry.MustRegister(
		r.cycles,
		r.signals,
		r.orders,
		r.stopMoves,
		r.errorsTotal,
		r.balance,
		r.openPositions,
		r.cycleDuration,
	)
	return r
}

func (r *Recorder) RecordCycle(outcome string, d time.Duration) {
	r.cycles.WithLabelValues(outcome).Inc()
	r.cycleDuration.Observe(d.Seconds())
}

func (r *Recorder) RecordSignal(symbol, signal string) {
	r.signals.WithLabelValues(symbol, signal).Inc()
}

func (r *Recorder) RecordOrder(symbol, side, result string) {
	r.orders.WithLabelValues(symbol, side, result).Inc()
}

func (r *Recorder) RecordBreakEven(symbol, result string) {
	r.stopMoves.WithLabelValues(symbol, result).Inc()
}

func (r *Recorder) RecordError(operation string) {
	r.errorsTotal.WithLabelValues(operation).Inc()
}

func (r *Recorder) RecordBalance(balance float64) {
	r.balance.Set(balance)
}

func (r *Recorder) RecordOpenPositions(symbol string, n int) {
	r.openPositions.WithLabelValues(symbol).Set(float64(n))
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown failed")
		}
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
