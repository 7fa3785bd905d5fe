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

const (
	meterName = "github.com/wolfeidau/clone-cache"
)

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
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	cacheRequestsTotal metric.Int64Counter
	clonesTotal        metric.Int64Counter
	cloneDuration      metric.Float64Histogram
	entrySize          metric.Float64Histogram

	evictionsTotal     metric.Int64Counter
	evictionBytesTotal metric.Int64Counter
	sweepsTotal        metric.Int64Counter
	sweepDuration      metric.Float64Histogram
	cacheEntries       metric.Int64Gauge
	cacheBytes         metric.Int64Gauge

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

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
		cfg.ServiceName = "clone-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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

	// Setup OTLP exporter if endpoint configured
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

	// Setup Prometheus exporter if enabled
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

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"clone_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"clone_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"clone_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	cacheRequestsTotal, err := meter.Int64Counter(
		"clone_cache_requests_total",
		metric.WithDescription("Total cache lookups by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	clonesTotal, err := meter.Int64Counter(
		"clone_cache_clones_total",
		metric.WithDescription("Total clone operations by outcome"),
		metric.WithUnit("{clone}"),
	)
	if err != nil {
		return err
	}

	cloneDuration, err := meter.Float64Histogram(
		"clone_cache_clone_duration_seconds",
		metric.WithDescription("Duration of clone operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120, 300),
	)
	if err != nil {
		return err
	}

	entrySize, err := meter.Float64Histogram(
		"clone_cache_entry_size_bytes",
		metric.WithDescription("Size of cache entries at insert"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824, 4294967296),
	)
	if err != nil {
		return err
	}

	evictionsTotal, err := meter.Int64Counter(
		"clone_cache_evictions_total",
		metric.WithDescription("Total entries evicted by reason"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	evictionBytesTotal, err := meter.Int64Counter(
		"clone_cache_eviction_bytes_total",
		metric.WithDescription("Total bytes freed by eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	sweepsTotal, err := meter.Int64Counter(
		"clone_cache_sweeps_total",
		metric.WithDescription("Total eviction sweeps"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"clone_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of eviction sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"clone_cache_entries",
		metric.WithDescription("Current number of cache entries"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheBytes, err := meter.Int64Gauge(
		"clone_cache_total_bytes",
		metric.WithDescription("Current total size of cache entries"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"clone_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"clone_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"clone_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream raw-file fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"clone_cache_upstream_fetch_total",
		metric.WithDescription("Total upstream raw-file fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"clone_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream raw-file hosts"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		cacheRequestsTotal:      cacheRequestsTotal,
		clonesTotal:             clonesTotal,
		cloneDuration:           cloneDuration,
		entrySize:               entrySize,
		evictionsTotal:          evictionsTotal,
		evictionBytesTotal:      evictionBytesTotal,
		sweepsTotal:             sweepsTotal,
		sweepDuration:           sweepDuration,
		cacheEntries:            cacheEntries,
		cacheBytes:              cacheBytes,
		backendRequestDuration:  backendRequestDuration,
		backendRequestsTotal:    backendRequestsTotal,
		upstreamFetchDuration:   upstreamFetchDuration,
		upstreamFetchTotal:      upstreamFetchTotal,
		upstreamFetchBytesTotal: upstreamFetchBytesTotal,
		meterProvider:           mp,
		promHandler:             promHandler,
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

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// The cache result and endpoint are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheNA)
	endpoint := "unknown"
	if tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		if tags.Endpoint != "" {
			endpoint = tags.Endpoint
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCacheRequest records the result of one cache lookup
// ("hit", "miss", or "error").
func RecordCacheRequest(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheRequestsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordClone records a clone operation's outcome and duration, and on
// success the resulting entry size.
func RecordClone(ctx context.Context, outcome string, duration time.Duration, sizeBytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.clonesTotal.Add(ctx, 1, attrs)
	globalMetrics.cloneDuration.Record(ctx, duration.Seconds(), attrs)
	if sizeBytes > 0 {
		globalMetrics.entrySize.Record(ctx, float64(sizeBytes))
	}
}

// RecordEviction records a single entry eviction.
// reason is "age", "lru", "orphan", "invalidate", or "corrupted".
func RecordEviction(ctx context.Context, reason string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	globalMetrics.evictionsTotal.Add(ctx, 1, attrs)
	if bytes > 0 {
		globalMetrics.evictionBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordSweep records one eviction sweep cycle.
func RecordSweep(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepsTotal.Add(ctx, 1)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// UpdateCacheState updates the entry-count and total-bytes gauges.
// Called after inserts, removals, and sweeps.
func UpdateCacheState(ctx context.Context, entries int, totalBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
	globalMetrics.cacheBytes.Record(ctx, totalBytes)
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordUpstreamFetch records an upstream raw-file fetch request.
func RecordUpstreamFetch(ctx context.Context, host string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("host", host),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
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
