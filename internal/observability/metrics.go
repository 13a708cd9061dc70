// Package observability exposes Prometheus metrics for the ledger engine.
package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	checkouts       *prometheus.CounterVec
	stockConflicts  prometheus.Counter
	compensations   *prometheus.CounterVec
	voids           prometheus.Counter
	refreshDuration prometheus.Histogram
	refreshFailures prometheus.Counter
	feedClients     prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tillpoint_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tillpoint_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tillpoint_checkouts_total",
			Help: "Checkout attempts by outcome.",
		}, []string{"result"}),
		stockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tillpoint_stock_conflicts_total",
			Help: "Conditional stock decrements rejected for insufficient stock.",
		}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tillpoint_stock_compensations_total",
			Help: "Stock restorations after an aborted checkout, by outcome.",
		}, []string{"result"}),
		voids: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tillpoint_sales_voided_total",
			Help: "Sales marked voided.",
		}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tillpoint_view_refresh_duration_seconds",
			Help:    "Time to snapshot the ledger and recompute the derived view.",
			Buckets: prometheus.DefBuckets,
		}),
		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tillpoint_view_refresh_failures_total",
			Help: "View refreshes that failed and left a stale view in place.",
		}),
		feedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tillpoint_feed_clients",
			Help: "Connected change feed clients.",
		}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration,
		m.checkouts, m.stockConflicts, m.compensations, m.voids,
		m.refreshDuration, m.refreshFailures, m.feedClients,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveCheckout counts one checkout by result: committed, duplicate, insufficient_stock,
// invalid, unavailable, unknown or failed.
func (m *Metrics) ObserveCheckout(result string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(result).Inc()
	if result == "insufficient_stock" {
		m.stockConflicts.Inc()
	}
}

func (m *Metrics) ObserveCompensation(ok bool) {
	if m == nil {
		return
	}
	result := "restored"
	if !ok {
		result = "failed"
	}
	m.compensations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveVoid() {
	if m == nil {
		return
	}
	m.voids.Inc()
}

func (m *Metrics) ObserveRefresh(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.refreshDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.refreshFailures.Inc()
	}
}

func (m *Metrics) FeedConnected() {
	if m != nil {
		m.feedClients.Inc()
	}
}

func (m *Metrics) FeedDisconnected() {
	if m != nil {
		m.feedClients.Dec()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket feed take over the connection through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
