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
	meterName = "github.com/wolfeidau/ohif-cache"
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
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	cacheLookupsTotal metric.Int64Counter
	recomputeDuration metric.Float64Histogram

	preloadEnqueuedTotal  metric.Int64Counter
	preloadProcessedTotal metric.Int64Counter
	preloadQueueDepth     metric.Int64Gauge

	studyBuildDuration metric.Float64Histogram
	studyInstances     metric.Int64Histogram

	changesTotal metric.Int64Counter

	sweeperDeletedTotal metric.Int64Counter
	sweeperDuration     metric.Float64Histogram

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
		cfg.ServiceName = "ohif-cache"
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

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"ohif_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"ohif_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"ohif_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"ohif_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"ohif_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of requests to the Orthanc server"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"ohif_cache_upstream_fetch_total",
		metric.WithDescription("Total number of requests to the Orthanc server"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"ohif_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes read from the Orthanc server"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"ohif_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of metadata store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"ohif_cache_backend_requests_total",
		metric.WithDescription("Total number of metadata store operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"ohif_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in metadata store operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheLookupsTotal, err = meter.Int64Counter(
		"ohif_cache_metadata_lookups_total",
		metric.WithDescription("Instance metadata lookups by result (hit, miss, stale, corrupt)"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.recomputeDuration, err = meter.Float64Histogram(
		"ohif_cache_metadata_recompute_duration_seconds",
		metric.WithDescription("Duration of instance metadata recomputation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.preloadEnqueuedTotal, err = meter.Int64Counter(
		"ohif_cache_preload_enqueued_total",
		metric.WithDescription("Preload notifications by result (accepted, dropped)"),
		metric.WithUnit("{instance}"),
	); err != nil {
		return nil, err
	}

	if m.preloadProcessedTotal, err = meter.Int64Counter(
		"ohif_cache_preload_processed_total",
		metric.WithDescription("Instances processed by the preload worker by outcome"),
		metric.WithUnit("{instance}"),
	); err != nil {
		return nil, err
	}

	if m.preloadQueueDepth, err = meter.Int64Gauge(
		"ohif_cache_preload_queue_depth",
		metric.WithDescription("Pending instances in the preload queue"),
		metric.WithUnit("{instance}"),
	); err != nil {
		return nil, err
	}

	if m.studyBuildDuration, err = meter.Float64Histogram(
		"ohif_cache_study_build_duration_seconds",
		metric.WithDescription("Duration of study document assembly"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.studyInstances, err = meter.Int64Histogram(
		"ohif_cache_study_instances",
		metric.WithDescription("Instances included in a study document"),
		metric.WithUnit("{instance}"),
		metric.WithExplicitBucketBoundaries(1, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	); err != nil {
		return nil, err
	}

	if m.changesTotal, err = meter.Int64Counter(
		"ohif_cache_orthanc_changes_total",
		metric.WithDescription("Orthanc change events observed by type"),
		metric.WithUnit("{change}"),
	); err != nil {
		return nil, err
	}

	if m.sweeperDeletedTotal, err = meter.Int64Counter(
		"ohif_cache_sweeper_deleted_total",
		metric.WithDescription("Cache entries deleted by the sweeper by reason"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.sweeperDuration, err = meter.Float64Histogram(
		"ohif_cache_sweeper_duration_seconds",
		metric.WithDescription("Duration of sweeper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	return m, nil
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
// Endpoint and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if result := tags.CacheResult(); result != "" {
			cacheResult = string(result)
		}
		endpoint = tags.Endpoint()
	}

	statusClass := StatusClass(status)

	sharedAttrs := []attribute.KeyValue{
		attribute.String("method", r.Method),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records metadata store operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
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
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records a request to the Orthanc server.
func RecordUpstreamFetch(ctx context.Context, upstream string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("upstream", upstream),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordCacheLookup records the result of one instance metadata lookup.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordRecompute records one recomputation of instance metadata.
// outcome is "success", "not_found" or "error".
func RecordRecompute(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.recomputeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPreloadEnqueue records a preload notification and the queue depth
// after it was handled.
func RecordPreloadEnqueue(ctx context.Context, accepted bool, depth int) {
	if globalMetrics == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "dropped"
	}
	globalMetrics.preloadEnqueuedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	globalMetrics.preloadQueueDepth.Record(ctx, int64(depth))
}

// RecordPreloadProcessed records one instance handled by the preload worker.
// outcome is "computed", "cached" or "error".
func RecordPreloadProcessed(ctx context.Context, outcome string, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.preloadProcessedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	globalMetrics.preloadQueueDepth.Record(ctx, int64(depth))
}

// RecordStudyBuild records the assembly of one study document.
func RecordStudyBuild(ctx context.Context, outcome string, instances int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.studyBuildDuration.Record(ctx, duration.Seconds(), attrs)
	if outcome == "success" {
		globalMetrics.studyInstances.Record(ctx, int64(instances))
	}
}

// RecordChange records an Orthanc change event seen by the change watcher.
func RecordChange(ctx context.Context, changeType string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.changesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", changeType)))
}

// RecordSweeperCycle records one sweeper cycle's deleted counts and duration.
func RecordSweeperCycle(ctx context.Context, corrupt, stale int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweeperDeletedTotal.Add(ctx, int64(corrupt), metric.WithAttributes(attribute.String("reason", "corrupt")))
	globalMetrics.sweeperDeletedTotal.Add(ctx, int64(stale), metric.WithAttributes(attribute.String("reason", "stale")))
	globalMetrics.sweeperDuration.Record(ctx, duration.Seconds())
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
