// Package metrics provides Prometheus instrumentation for the quote engine.
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
	// PriceRefreshes counts completed asset table refreshes.
	PriceRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otc_price_refreshes_total",
		Help: "Total number of asset table price refreshes",
	})

	// SweepDuration tracks how long one settlement sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "otc_settlement_sweep_duration_seconds",
		Help:    "Settlement sweep duration in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25},
	})

	// TradesPlaced counts accepted trades, partitioned by direction and account type.
	TradesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otc_trades_placed_total",
		Help: "Total number of trades placed",
	}, []string{"direction", "account"})

	// TradesSettled counts settled trades by outcome (WON, LOST).
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otc_trades_settled_total",
		Help: "Total number of trades settled",
	}, []string{"outcome"})

	// PayoutsTotal accumulates credited payouts per account type.
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otc_payouts_total",
		Help: "Cumulative payout amount credited to winning trades",
	}, []string{"account"})

	// DueTrades tracks how many trades the last sweep found due.
	DueTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otc_due_trades",
		Help: "Number of trades due for settlement at the last sweep",
	})

	// PositionLimitRejections counts trades rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otc_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})

	// SnapshotWrites counts snapshot table writes by result.
	SnapshotWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otc_snapshot_writes_total",
		Help: "Snapshot table writes by table and result",
	}, []string{"table", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otc_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otc_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "otc_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack passes through to the underlying writer so WebSocket upgrades work
// behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
