package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/pipelined/internal/http"

// unmatchedRoute labels requests no route matched, so arbitrary paths
// never become label values.
const unmatchedRoute = "unmatched"

// HTTPMetrics records API traffic through the OTEL meter.
type HTTPMetrics struct {
	requests  metric.Int64Counter
	latency   metric.Float64Histogram
	inFlight  metric.Int64UpDownCounter
	throttled metric.Int64Counter
}

// NewHTTPMetrics registers the API instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{}

	var err error
	if m.requests, err = meter.Int64Counter(
		"pipelined.http.requests",
		metric.WithDescription("API requests by method, route and status"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("http requests counter unavailable", zap.Error(err))
	}
	if m.latency, err = meter.Float64Histogram(
		"pipelined.http.request.duration",
		metric.WithDescription("API request latency by method, route and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30),
	); err != nil {
		logger.Warn("http latency histogram unavailable", zap.Error(err))
	}
	if m.inFlight, err = meter.Int64UpDownCounter(
		"pipelined.http.in_flight",
		metric.WithDescription("API requests being served"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("http in-flight counter unavailable", zap.Error(err))
	}
	if m.throttled, err = meter.Int64Counter(
		"pipelined.http.throttled",
		metric.WithDescription("Run submissions rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("http throttled counter unavailable", zap.Error(err))
	}
	return m
}

// MetricsMiddleware returns an Echo middleware that records every request.
// The status comes from the returned error when a handler fails, since the
// error handler has not written the response yet.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			route := c.Path()
			if route == "" {
				route = unmatchedRoute
			}
			status := responseStatus(c, err)
			attrs := metric.WithAttributes(
				attribute.String("http.method", c.Request().Method),
				attribute.String("http.route", route),
				attribute.Int("http.status", status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if status == http.StatusTooManyRequests && m.throttled != nil {
				m.throttled.Add(ctx, 1, metric.WithAttributes(attribute.String("http.route", route)))
			}
			return err
		}
	}
}

func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
