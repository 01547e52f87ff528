package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/szer/settlement/settlement"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})

	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_effects_applied_total",
		Help: "Intents whose credit or grant was applied, by purpose",
	}, []string{"purpose"})

	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_webhook_events_total",
		Help: "PayPay notifications by outcome",
	}, []string{"result"})

	sweepIntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_sweep_intents_total",
		Help: "Intents handled by the sweeper, by outcome",
	}, []string{"outcome"})

	repairedEffectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_repaired_effects_total",
		Help: "Missing credits or grants re-applied by the repair pass",
	})
)

// instrument records count and latency per route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func recordSettlement(s settlement.Settlement) {
	if s.Applied {
		settlementsTotal.WithLabelValues(string(s.Intent.Purpose)).Inc()
	}
}

func recordSweep(r settlement.SweepReport) {
	sweepIntentsTotal.WithLabelValues("completed").Add(float64(r.Completed))
	sweepIntentsTotal.WithLabelValues("failed").Add(float64(r.Failed))
	sweepIntentsTotal.WithLabelValues("expired").Add(float64(r.Expired))
	sweepIntentsTotal.WithLabelValues("skipped").Add(float64(r.Skipped))
	sweepIntentsTotal.WithLabelValues("error").Add(float64(r.Errors))
}
