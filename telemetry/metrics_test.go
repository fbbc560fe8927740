package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	httpRequestsTotal, err := meter.Int64Counter("syncbox_http_requests_total")
	require.NoError(t, err)
	httpResponseBytes, err := meter.Int64Counter("syncbox_http_response_bytes_total")
	require.NoError(t, err)
	httpRequestDuration, err := meter.Float64Histogram("syncbox_http_request_duration_seconds")
	require.NoError(t, err)
	actionsEnqueuedTotal, err := meter.Int64Counter("syncbox_actions_enqueued_total")
	require.NoError(t, err)
	actionsProcessedTotal, err := meter.Int64Counter("syncbox_actions_processed_total")
	require.NoError(t, err)
	drainPassesTotal, err := meter.Int64Counter("syncbox_drain_passes_total")
	require.NoError(t, err)
	drainActionsTotal, err := meter.Int64Counter("syncbox_drain_actions_total")
	require.NoError(t, err)
	drainPassDuration, err := meter.Float64Histogram("syncbox_drain_pass_duration_seconds")
	require.NoError(t, err)
	queueDepth, err := meter.Int64Gauge("syncbox_queue_depth")
	require.NoError(t, err)
	cacheRequestsTotal, err := meter.Int64Counter("syncbox_cache_requests_total")
	require.NoError(t, err)
	probeDuration, err := meter.Float64Histogram("syncbox_probe_duration_seconds")
	require.NoError(t, err)
	onlineTransitions, err := meter.Int64Counter("syncbox_online_transitions_total")
	require.NoError(t, err)
	outboundDuration, err := meter.Float64Histogram("syncbox_outbound_request_duration_seconds")
	require.NoError(t, err)
	outboundBytesTotal, err := meter.Int64Counter("syncbox_outbound_bytes_total")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		httpRequestsTotal:     httpRequestsTotal,
		httpResponseBytes:     httpResponseBytes,
		httpRequestDuration:   httpRequestDuration,
		actionsEnqueuedTotal:  actionsEnqueuedTotal,
		actionsProcessedTotal: actionsProcessedTotal,
		drainPassesTotal:      drainPassesTotal,
		drainActionsTotal:     drainActionsTotal,
		drainPassDuration:     drainPassDuration,
		queueDepth:            queueDepth,
		cacheRequestsTotal:    cacheRequestsTotal,
		probeDuration:         probeDuration,
		onlineTransitions:     onlineTransitions,
		outboundDuration:      outboundDuration,
		outboundBytesTotal:    outboundBytesTotal,
		meterProvider:         mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds a gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordHTTP(context.Background(), "actions", 202, 64, 5*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "syncbox_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "route", "actions"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))

	bytesDps := findCounter(rm, "syncbox_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 64, bytesDps[0].Value)

	histDps := findHistogram(rm, "syncbox_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordEnqueue(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordEnqueue(context.Background(), "high", "queued")
	RecordEnqueue(context.Background(), "high", "queued")
	RecordEnqueue(context.Background(), "high", "duplicate")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "syncbox_actions_enqueued_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "result", "queued") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "result", "duplicate"))
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestRecordAction(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordAction(context.Background(), "like", "success")
	RecordAction(context.Background(), "like", "retried")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "syncbox_actions_processed_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "type", "like"))
	}
}

func TestRecordDrainPass(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordDrainPass(context.Background(), 3, 1, 0, 120*time.Millisecond)

	rm := collectMetrics(t, reader)

	passDps := findCounter(rm, "syncbox_drain_passes_total")
	require.Len(t, passDps, 1)
	require.EqualValues(t, 1, passDps[0].Value)

	actionDps := findCounter(rm, "syncbox_drain_actions_total")
	// No data point for dropped=0.
	require.Len(t, actionDps, 2)

	histDps := findHistogram(rm, "syncbox_drain_pass_duration_seconds")
	require.Len(t, histDps, 1)
}

func TestUpdateQueueDepth(t *testing.T) {
	reader := setupTestMetrics(t)

	UpdateQueueDepth(context.Background(), 2, 5, 0)
	UpdateQueueDepth(context.Background(), 1, 5, 0)

	rm := collectMetrics(t, reader)

	dps := findGauge(rm, "syncbox_queue_depth")
	require.Len(t, dps, 3)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "priority", "high") {
			// Gauges report the last recorded value.
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestRecordCacheRequest(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCacheRequest(context.Background(), "hit")
	RecordCacheRequest(context.Background(), "miss")
	RecordCacheRequest(context.Background(), "hit")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "syncbox_cache_requests_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "result", "hit") {
			require.EqualValues(t, 2, dp.Value)
		}
	}
}

func TestRecordProbeAndTransitions(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordProbe(context.Background(), 30*time.Millisecond, "online")
	RecordOnlineTransition(context.Background())

	rm := collectMetrics(t, reader)

	histDps := findHistogram(rm, "syncbox_probe_duration_seconds")
	require.Len(t, histDps, 1)
	require.True(t, hasAttr(histDps[0].Attributes, "outcome", "online"))

	dps := findCounter(rm, "syncbox_online_transitions_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
}

func TestRecordersNoopWithoutInit(t *testing.T) {
	globalMetrics = nil

	// Must not panic when metrics are not initialised.
	RecordHTTP(context.Background(), "actions", 200, 0, time.Millisecond)
	RecordEnqueue(context.Background(), "high", "queued")
	RecordAction(context.Background(), "like", "success")
	RecordDrainPass(context.Background(), 1, 0, 0, time.Millisecond)
	UpdateQueueDepth(context.Background(), 0, 0, 0)
	RecordCacheRequest(context.Background(), "hit")
	RecordProbe(context.Background(), time.Millisecond, "online")
	RecordOnlineTransition(context.Background())
	RecordOutbound(context.Background(), "replay", time.Millisecond, 10, "success")
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(200))
	require.Equal(t, "2xx", StatusClass(204))
	require.Equal(t, "3xx", StatusClass(301))
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "5xx", StatusClass(502))
	require.Equal(t, "unknown", StatusClass(100))
}

func TestPrometheusHandlerNotEnabled(t *testing.T) {
	globalMetrics = nil

	handler := PrometheusHandler()
	require.NotNil(t, handler)
}
