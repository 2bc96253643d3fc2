package alembic

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alembic_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alembic_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alembic_http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alembic_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path", "status"},
	)
)

// PrometheusConfig holds configuration for the Prometheus interceptor.
type PrometheusConfig struct {
	// SkipPaths lists paths to skip metrics collection (e.g., /metrics, /health)
	SkipPaths []string
}

// DefaultPrometheusConfig returns a PrometheusConfig with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{SkipPaths: []string{"/metrics"}}
}

// unmatchedRoute labels requests that no route served.
const unmatchedRoute = "unmatched"

// Prometheus returns an interceptor that records request metrics. The path
// label is the matched route pattern, or "unmatched".
func Prometheus() Interceptor {
	return PrometheusWithConfig(DefaultPrometheusConfig())
}

// PrometheusWithConfig returns a metrics interceptor with custom configuration.
// Errors are labelled with the status the Responder will map them to.
func PrometheusWithConfig(config PrometheusConfig) Interceptor {
	skip := skipSet(config.SkipPaths)

	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		path := pathOnly(req.Path())
		if skip[path] {
			return next(ctx, req)
		}

		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		resp, err := next(ctx, req)

		// Label by route pattern so that /todo/1 and /todo/2 share a series.
		route := Route(ctx)
		if route == "" {
			route = unmatchedRoute
		}
		status := strconv.Itoa(StatusOf(resp, err))
		method := req.Method()
		httpRequestsTotal.WithLabelValues(method, route, status).Inc()
		httpRequestDuration.WithLabelValues(method, route, status).Observe(time.Since(start).Seconds())
		size := 0
		if err == nil && resp != nil {
			size = resp.BodyLen()
		}
		httpResponseSize.WithLabelValues(method, route, status).Observe(float64(size))

		return resp, err
	})
}

// MetricsHandler returns a handler exposing g in the Prometheus text format.
// A nil g selects prometheus.DefaultGatherer.
func MetricsHandler(g prometheus.Gatherer) Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	format := expfmt.NewFormat(expfmt.TypeTextPlain)

	return HandlerFunc(func(_ context.Context, _ *Request) (*Response, error) {
		families, err := g.Gather()
		if err != nil {
			return nil, fmt.Errorf("gather metrics: %w", err)
		}
		var buf bytes.Buffer
		enc := expfmt.NewEncoder(&buf, format)
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return nil, fmt.Errorf("encode metrics: %w", err)
			}
		}
		return Data(200, string(format), buf.Bytes()), nil
	})
}
