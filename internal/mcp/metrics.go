package mcp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/client"
)

const instrumentationName = "github.com/fyrsmithlabs/pipelined/internal/mcp"

// Metrics counts tool calls made by connected agents.
type Metrics struct {
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
	failures metric.Int64Counter
	inFlight metric.Int64UpDownCounter
}

// NewMetrics registers the tool instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}

	var err error
	if m.calls, err = meter.Int64Counter(
		"pipelined.mcp.tool.calls",
		metric.WithDescription("Tool calls by tool name"),
		metric.WithUnit("{call}"),
	); err != nil {
		logger.Warn("mcp calls counter unavailable", zap.Error(err))
	}
	if m.latency, err = meter.Float64Histogram(
		"pipelined.mcp.tool.duration",
		metric.WithDescription("Tool call latency including the API round trip"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 30),
	); err != nil {
		logger.Warn("mcp latency histogram unavailable", zap.Error(err))
	}
	if m.failures, err = meter.Int64Counter(
		"pipelined.mcp.tool.failures",
		metric.WithDescription("Failed tool calls by tool name and reason"),
		metric.WithUnit("{call}"),
	); err != nil {
		logger.Warn("mcp failures counter unavailable", zap.Error(err))
	}
	if m.inFlight, err = meter.Int64UpDownCounter(
		"pipelined.mcp.tool.in_flight",
		metric.WithDescription("Tool calls being served"),
		metric.WithUnit("{call}"),
	); err != nil {
		logger.Warn("mcp in-flight counter unavailable", zap.Error(err))
	}
	return m
}

// begin marks a call to tool as started. The returned func records its
// outcome and must be called exactly once.
func (m *Metrics) begin(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, attrs)
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", failureReason(err)),
			))
		}
	}
}

// failureReason maps an error onto a low-cardinality label.
func failureReason(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return "not_found"
		case apiErr.StatusCode == http.StatusConflict:
			return "conflict"
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return "rate_limited"
		case apiErr.StatusCode == http.StatusServiceUnavailable:
			return "unavailable"
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return "rejected"
		}
		return "server_error"
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, new(*net.OpError)):
		return "unavailable"
	}
	return "internal"
}
