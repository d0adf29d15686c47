// Package metrics holds the Prometheus instrumentation for the HTTP surface
// and the Postgres-backed stores. Decision counters live with the code that
// makes the decision (risk, audit, incident, ratelimit).
package metrics

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every secmon metric.
const Namespace = "secmon"

var (
	// HTTPRequestsTotal counts requests by method, route pattern and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status class.",
		},
		[]string{"method", "route", "class"},
	)

	// HTTPRequestDuration is tuned for evaluation calls, which sit on the
	// caller's login path and should finish well under the evaluation timeout.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"route"},
	)

	// HTTPInFlight is the number of requests currently being served.
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "in_flight_requests",
		Help:      "Requests currently being served.",
	})

	// StoreErrorsTotal counts backing store failures by store and operation.
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "store_errors_total",
			Help:      "Backing store operations that failed, by store and operation.",
		},
		[]string{"store", "op"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInFlight,
		StoreErrorsTotal,
	)
}

// StoreError records a failed store operation. Nil errors are ignored so
// callers can pass their result through unconditionally.
func StoreError(store, op string, err error) error {
	if err != nil {
		StoreErrorsTotal.WithLabelValues(store, op).Inc()
	}
	return err
}

// RegisterDB exposes the pool statistics of db, read at scrape time.
// Registering the same pool name twice is not an error.
func RegisterDB(reg prometheus.Registerer, db *sql.DB, name string) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	err := reg.Register(collectors.NewDBStatsCollector(db, name))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPInFlight.Inc()
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(route))
		defer func() {
			timer.ObserveDuration()
			HTTPInFlight.Dec()
			HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
		}()

		c.Next()
	}
}

// Handler serves the default registry for /metrics.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	switch {
	case code >= http.StatusInternalServerError:
		return "5xx"
	case code >= http.StatusBadRequest:
		return "4xx"
	case code >= http.StatusMultipleChoices:
		return "3xx"
	case code >= http.StatusOK:
		return "2xx"
	default:
		return "1xx"
	}
}
