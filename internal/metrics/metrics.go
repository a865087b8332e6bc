// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts matched trades per company.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lemonstand_trades_total",
		Help: "Total number of trades executed",
	}, []string{"company"})

	// TradeVolume tracks cumulative traded shares per company.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lemonstand_trade_volume_shares_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"company"})

	// OrderLatency tracks submit-to-fixpoint latency per order kind.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lemonstand_order_latency_seconds",
		Help:    "Order submission and matching latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// OrdersRejected counts declined orders by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lemonstand_orders_rejected_total",
		Help: "Orders rejected by validation or settlement",
	}, []string{"reason"})

	// MarketMakerRequotes counts market maker quote refreshes.
	MarketMakerRequotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lemonstand_market_maker_requotes_total",
		Help: "Market maker quote refreshes",
	}, []string{"company"})

	// IPOClearingsTotal counts completed IPO clearings.
	IPOClearingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lemonstand_ipo_clearings_total",
		Help: "Completed IPO clearings",
	})

	// IPOClearingPrice records each company's clearing price.
	IPOClearingPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lemonstand_ipo_clearing_price",
		Help: "IPO clearing price per company",
	}, []string{"company"})

	// AuctionInvariantViolations counts IPOs where demand fell short of
	// supply or a pre-validated allocation failed to settle.
	AuctionInvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lemonstand_auction_invariant_violations_total",
		Help: "IPO invariant violations",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lemonstand_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lemonstand_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lemonstand_http_request_duration_seconds",
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

		// Route pattern keeps the label set small.
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

// Hijack lets the WebSocket upgrade through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
