// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersCreated counts orders persisted as PENDING, by type.
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_created_total",
		Help: "Total number of orders created",
	}, []string{"type"})

	// OrdersExecuted counts successful executions, by type.
	OrdersExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_executed_total",
		Help: "Total number of orders executed",
	}, []string{"type"})

	// OrdersCancelled counts cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	})

	// ExecutionFailures counts rejected executions by reason
	// (not_found, invalid_state, insufficient, validation, conflict, error).
	ExecutionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_execution_failures_total",
		Help: "Order executions that did not commit",
	}, []string{"reason"})

	// ExecuteLatency tracks the duration of the execution transaction.
	ExecuteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_execute_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TxRetries counts transactions re-run after a conflict, by operation.
	TxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_tx_retries_total",
		Help: "Transactions retried after a write conflict",
	}, []string{"op"})

	// PriceDeviationFlags counts executions whose actual price strayed
	// beyond the configured deviation from the target.
	PriceDeviationFlags = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_price_deviation_flags_total",
		Help: "Executions flagged for actual price deviation",
	})

	// UnknownPrices counts oracle lookups that returned no usable price.
	UnknownPrices = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_unknown_prices_total",
		Help: "Price lookups with no known rate",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid one series per
		// ledger or order ID.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
