package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mailbox sync metrics
var (
	CursorUID = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_payout_cursor_uid",
			Help: "Last mailbox UID fully handled by the pipeline",
		},
	)

	SyncState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inbox_payout_sync_state",
			Help: "1 for the current mailbox sync state, 0 otherwise",
		},
		[]string{"state"},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_payout_reconnects_total",
			Help: "Mailbox reconnect attempts",
		},
		[]string{"result"},
	)
)

// Pipeline metrics
var (
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_payout_messages_total",
			Help: "Messages handled by the pipeline, by outcome",
		},
		[]string{"outcome"},
	)

	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_payout_payouts_total",
			Help: "Payout results by status",
		},
		[]string{"status"},
	)

	QuoteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inbox_payout_quote_duration_seconds",
			Help:    "Latency of spot price requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
	)

	QuoteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_payout_quote_failures_total",
			Help: "Spot price requests that produced no quote",
		},
	)
)

// SetSyncState marks state as the only active sync state.
func SetSyncState(state string, all []string) {
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		SyncState.WithLabelValues(s).Set(value)
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if logger != nil {
		logger.Info("metrics listener started", "addr", addr)
	}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
