package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	m := NewMetrics()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/api/v1/terminals/{terminal}/checkout")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/terminals/t1/checkout", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusConflict, rr.Code)

	body := scrape(t, m)
	assert.Contains(t, body, `tillpoint_http_requests_total{code="409",route="/api/v1/terminals/{terminal}/checkout"} 1`)
}

func TestLedgerCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveCheckout("committed")
	m.ObserveCheckout("insufficient_stock")
	m.ObserveCompensation(true)
	m.ObserveCompensation(false)
	m.ObserveVoid()
	m.ObserveRefresh(10*time.Millisecond, nil)
	m.ObserveRefresh(10*time.Millisecond, errors.New("down"))

	body := scrape(t, m)
	assert.Contains(t, body, `tillpoint_checkouts_total{result="committed"} 1`)
	assert.Contains(t, body, `tillpoint_stock_conflicts_total 1`)
	assert.Contains(t, body, `tillpoint_stock_compensations_total{result="failed"} 1`)
	assert.Contains(t, body, `tillpoint_sales_voided_total 1`)
	assert.Contains(t, body, `tillpoint_view_refresh_failures_total 1`)
	assert.Contains(t, body, `tillpoint_view_refresh_duration_seconds_count 2`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCheckout("committed")
	m.ObserveRefresh(time.Second, nil)
	m.FeedConnected()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, m.Middleware(next))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
