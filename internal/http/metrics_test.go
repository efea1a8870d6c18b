package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetricsMiddleware_RecordsRoutesAndStatuses(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newHTTPMetrics(mp.Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/runs/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id")})
	})
	e.POST("/api/v1/runs", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTooManyRequests, "submission rate limit exceeded")
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/runs/r1"},
		{http.MethodGet, "/api/v1/runs/r2"},
		{http.MethodGet, "/api/v1/runs/missing"},
		{http.MethodPost, "/api/v1/runs"},
		{http.MethodGet, "/nowhere"},
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}

	got := collect(t, reader)

	requests, ok := got["pipelined.http.requests"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	counts := make(map[[2]string]int64)
	for _, dp := range requests.DataPoints {
		route, _ := dp.Attributes.Value(attribute.Key("http.route"))
		status, _ := dp.Attributes.Value(attribute.Key("http.status"))
		counts[[2]string{route.AsString(), status.Emit()}] += dp.Value
	}
	assert.Equal(t, int64(2), counts[[2]string{"/api/v1/runs/:id", "200"}])
	assert.Equal(t, int64(1), counts[[2]string{"/api/v1/runs/:id", "404"}])
	assert.Equal(t, int64(1), counts[[2]string{"/api/v1/runs", "429"}])

	latency, ok := got["pipelined.http.request.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var recorded uint64
	for _, dp := range latency.DataPoints {
		recorded += dp.Count
	}
	assert.Equal(t, uint64(5), recorded)

	throttled, ok := got["pipelined.http.throttled"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, throttled.DataPoints, 1)
	assert.Equal(t, int64(1), throttled.DataPoints[0].Value)

	inFlight, ok := got["pipelined.http.in_flight"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	for _, dp := range inFlight.DataPoints {
		assert.Zero(t, dp.Value)
	}
}
