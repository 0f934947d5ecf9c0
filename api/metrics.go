/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Exposes operational metrics on /metrics:
  - HTTP request durations by route and status
  - Request lifecycle transition outcomes
  - Sweep run results and timing

  Correctness never depends on these; they are observation only.
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/linkmarket/purchase-engine/request"
)

var (
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by route, method and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchase_request_transitions_total",
		Help: "Request lifecycle transitions by action and outcome.",
	}, []string{"action", "outcome"})

	sweepResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_requests_total",
		Help: "Requests handled by the expiry sweeper, by result.",
	}, []string{"result"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweep_duration_seconds",
		Help:    "Duration of sweep runs.",
		Buckets: prometheus.DefBuckets,
	})
)

// RecordSweep exports a sweep report. Wire it as the sweeper's OnReport.
func RecordSweep(r request.Report) {
	sweepResults.WithLabelValues("refunded").Add(float64(r.Refunded))
	sweepResults.WithLabelValues("confirmed").Add(float64(r.Confirmed))
	sweepResults.WithLabelValues("skipped").Add(float64(r.Skipped))
	sweepResults.WithLabelValues("failed").Add(float64(r.Failed))
	sweepDuration.Observe(r.Duration.Seconds())
}

func recordTransition(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	transitionsTotal.WithLabelValues(action, outcome).Inc()
}

// metricsMiddleware observes request latency per chi route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		httpDuration.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}
