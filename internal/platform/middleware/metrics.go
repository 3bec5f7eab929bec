package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics holds the HTTP server metrics.
type HTTPMetrics struct {
	ActiveRequests  prometheus.Gauge
	RequestDuration *prometheus.HistogramVec
	RequestSize     prometheus.Histogram
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	f := promauto.With(reg)
	return &HTTPMetrics{
		ActiveRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "compliance_http_active_requests",
			Help: "Number of HTTP requests currently being served",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compliance_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route and status code",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		RequestSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "compliance_http_request_size_bytes",
			Help:    "Declared HTTP request body sizes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
	}
}

// Metrics records request counts and latency. Routes are labelled by their
// template so path ids do not inflate cardinality.
func Metrics(m *HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()

			start := time.Now()
			req := c.Request()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			route := c.Path()
			if route == "" || status == http.StatusNotFound {
				route = "unmatched"
			}
			m.RequestDuration.WithLabelValues(req.Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			if req.ContentLength > 0 {
				m.RequestSize.Observe(float64(req.ContentLength))
			}
			return err
		}
	}
}
