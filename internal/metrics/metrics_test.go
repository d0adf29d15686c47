package metrics

import (
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusClass(tt.code), "code %d", tt.code)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestMetricsEndpoint(t *testing.T) {
	r := gin.New()
	r.GET("/metrics", Handler())

	StoreErrorsTotal.WithLabelValues("history", "append").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "secmon_store_errors_total")
	assert.Contains(t, body, "secmon_http_in_flight_requests")
}

func TestStoreError(t *testing.T) {
	c := StoreErrorsTotal.WithLabelValues("audit", "test_op")
	before := counterValue(t, c)

	require.NoError(t, StoreError("audit", "test_op", nil))
	assert.Equal(t, before, counterValue(t, c), "nil error must not count")

	boom := errors.New("boom")
	assert.ErrorIs(t, StoreError("audit", "test_op", boom), boom)
	assert.Equal(t, before+1, counterValue(t, c))
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())

	var inFlight float64
	r.GET("/v1/security/accounts/:userId", func(c *gin.Context) {
		inFlight = gaugeValue(t, HTTPInFlight)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	c := HTTPRequestsTotal.WithLabelValues("GET", "/v1/security/accounts/:userId", "2xx")
	before := counterValue(t, c)
	idle := gaugeValue(t, HTTPInFlight)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/security/accounts/alice", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, before+1, counterValue(t, c), "route label should be the pattern, not the raw path")
	assert.Equal(t, idle+1, inFlight)
	assert.Equal(t, idle, gaugeValue(t, HTTPInFlight))
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())

	c := HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")
	before := counterValue(t, c)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, before+1, counterValue(t, c))
}

func TestRegisterDB(t *testing.T) {
	// sql.Open does not dial; the collector only reads db.Stats().
	db, err := sql.Open("postgres", "postgres://localhost/secmon?sslmode=disable")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterDB(reg, db, "secmon"))
	require.NoError(t, RegisterDB(reg, db, "secmon"), "second registration is tolerated")

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.True(t, strings.Contains(strings.Join(names, ","), "go_sql_open_connections"), "got %v", names)
}
