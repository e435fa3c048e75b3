package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Agent metrics
var (
	ProcessesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmctl_agent_processes_total",
			Help: "Guest processes by final status",
		},
		[]string{"status"},
	)

	OperationsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmctl_agent_operations_active",
			Help: "Number of guest operations still running",
		},
		[]string{"kind"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmctl_agent_operation_duration_seconds",
			Help:    "Time from start to completion of a guest operation",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0, 300.0},
		},
		[]string{"kind", "result"},
	)

	BytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vmctl_agent_bytes_received_total",
			Help: "Uncompressed bytes of files uploaded to the guest",
		},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmctl_agent_auth_attempts_total",
			Help: "Total agent token checks",
		},
		[]string{"result"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmctl_agent_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmctl_agent_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		ProcessesTotal,
		OperationsActive,
		OperationDuration,
		BytesReceived,
		AuthAttemptsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			HTTPRequestDuration.WithLabelValues(c.Request().Method, c.Path()).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
