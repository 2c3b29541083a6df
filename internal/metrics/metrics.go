// Package metrics exposes Prometheus instrumentation for the matching
// engine and its HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	// OrdersPlaced counts accepted orders by outcome and side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_placed_total",
		Help: "Accepted orders by outcome and side.",
	}, []string{"outcome", "side"})

	// OrdersRejected counts rejected orders by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_rejected_total",
		Help: "Rejected orders by reason.",
	}, []string{"reason"})

	// OrdersCancelled counts successful cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_orders_cancelled_total",
		Help: "Cancelled orders.",
	})

	// FillsTotal counts fills by type (mint, burn, transfer).
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_fills_total",
		Help: "Fills by type.",
	}, []string{"type"})

	// SharesMatched counts total shares across all fills.
	SharesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_shares_matched_total",
		Help: "Total shares matched.",
	})

	// PairsOutstanding tracks minted pairs per market ticker.
	PairsOutstanding = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_pairs_outstanding",
		Help: "Outstanding YES/NO pairs per market.",
	}, []string{"ticker"})

	// PayoutsDispatched counts disbursement outcomes.
	PayoutsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_payouts_dispatched_total",
		Help: "Payout disbursement attempts by result.",
	}, []string{"result"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by method, path, and status.",
	}, []string{"method", "path", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency per route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.URL.Path
		httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
