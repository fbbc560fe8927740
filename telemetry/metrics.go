// Package telemetry provides OpenTelemetry metrics with optional OTLP
// export and a Prometheus scrape endpoint.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/lumeo/syncbox"

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	httpRequestsTotal     metric.Int64Counter
	httpResponseBytes     metric.Int64Counter
	httpRequestDuration   metric.Float64Histogram
	actionsEnqueuedTotal  metric.Int64Counter
	actionsProcessedTotal metric.Int64Counter
	drainPassesTotal      metric.Int64Counter
	drainActionsTotal     metric.Int64Counter
	drainPassDuration     metric.Float64Histogram
	queueDepth            metric.Int64Gauge
	cacheRequestsTotal    metric.Int64Counter
	probeDuration         metric.Float64Histogram
	onlineTransitions     metric.Int64Counter
	outboundDuration      metric.Float64Histogram
	outboundBytesTotal    metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "syncd"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	httpRequestsTotal, err := meter.Int64Counter(
		"syncbox_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	httpResponseBytes, err := meter.Int64Counter(
		"syncbox_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	httpRequestDuration, err := meter.Float64Histogram(
		"syncbox_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	actionsEnqueuedTotal, err := meter.Int64Counter(
		"syncbox_actions_enqueued_total",
		metric.WithDescription("Total actions submitted to the offline queue"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}

	actionsProcessedTotal, err := meter.Int64Counter(
		"syncbox_actions_processed_total",
		metric.WithDescription("Total per-action execution outcomes"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}

	drainPassesTotal, err := meter.Int64Counter(
		"syncbox_drain_passes_total",
		metric.WithDescription("Total drain passes executed"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return err
	}

	drainActionsTotal, err := meter.Int64Counter(
		"syncbox_drain_actions_total",
		metric.WithDescription("Total actions handled across drain passes, by result"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}

	drainPassDuration, err := meter.Float64Histogram(
		"syncbox_drain_pass_duration_seconds",
		metric.WithDescription("Duration of drain passes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	queueDepth, err := meter.Int64Gauge(
		"syncbox_queue_depth",
		metric.WithDescription("Current pending actions per priority"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}

	cacheRequestsTotal, err := meter.Int64Counter(
		"syncbox_cache_requests_total",
		metric.WithDescription("Total cache operations by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	probeDuration, err := meter.Float64Histogram(
		"syncbox_probe_duration_seconds",
		metric.WithDescription("Duration of connectivity probes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	onlineTransitions, err := meter.Int64Counter(
		"syncbox_online_transitions_total",
		metric.WithDescription("Total offline to online transitions observed"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	outboundDuration, err := meter.Float64Histogram(
		"syncbox_outbound_request_duration_seconds",
		metric.WithDescription("Duration of outbound HTTP requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	outboundBytesTotal, err := meter.Int64Counter(
		"syncbox_outbound_bytes_total",
		metric.WithDescription("Total bytes read from outbound HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

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
		promHandler:           promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics. Call from the logging
// middleware after the request completes.
func RecordHTTP(ctx context.Context, route string, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
	}
	globalMetrics.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.httpResponseBytes.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordEnqueue records an enqueue. result is "queued" or "duplicate".
func RecordEnqueue(ctx context.Context, priority, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.actionsEnqueuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", priority),
		attribute.String("result", result),
	))
}

// RecordAction records one action execution outcome: "success",
// "retried", or "dropped".
func RecordAction(ctx context.Context, actionType, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.actionsProcessedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", actionType),
		attribute.String("outcome", outcome),
	))
}

// RecordDrainPass records the aggregate result of one drain pass.
func RecordDrainPass(ctx context.Context, succeeded, retried, dropped int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.drainPassesTotal.Add(ctx, 1)
	globalMetrics.drainPassDuration.Record(ctx, duration.Seconds())

	for result, count := range map[string]int{
		"succeeded": succeeded,
		"retried":   retried,
		"dropped":   dropped,
	} {
		if count > 0 {
			globalMetrics.drainActionsTotal.Add(ctx, int64(count), metric.WithAttributes(
				attribute.String("result", result),
			))
		}
	}
}

// UpdateQueueDepth updates the per-priority queue depth gauges.
func UpdateQueueDepth(ctx context.Context, high, medium, low int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueDepth.Record(ctx, int64(high), metric.WithAttributes(attribute.String("priority", "high")))
	globalMetrics.queueDepth.Record(ctx, int64(medium), metric.WithAttributes(attribute.String("priority", "medium")))
	globalMetrics.queueDepth.Record(ctx, int64(low), metric.WithAttributes(attribute.String("priority", "low")))
}

// RecordCacheRequest records one cache operation result: "hit",
// "miss", "expired", or "write".
func RecordCacheRequest(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordProbe records a connectivity probe. outcome is "online" or
// "offline".
func RecordProbe(ctx context.Context, duration time.Duration, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.probeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordOnlineTransition records one offline→online edge.
func RecordOnlineTransition(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.onlineTransitions.Add(ctx, 1)
}

// RecordOutbound records an outbound HTTP request made on behalf of a
// component ("replay", "probe").
func RecordOutbound(ctx context.Context, component string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("component", component),
		attribute.String("outcome", outcome),
	}
	globalMetrics.outboundDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.outboundBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
