package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs the full instrument set backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

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

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

// counterValue sums the data points of a counter that carry key=value.
func counterValue(rm metricdata.ResourceMetrics, name, key, value string) int64 {
	var total int64
	for _, dp := range findCounter(rm, name) {
		if hasAttr(dp.Attributes, key, value) {
			total += dp.Value
		}
	}
	return total
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/studies/abc/ohif-dicom-json", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "ohif_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "method", "GET"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "ohif_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "ohif_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/instances/abc/ohif-metadata", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "instance_metadata")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "ohif_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "instance_metadata"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "miss"))
}

func TestRecordHTTP_NoDetailMetricWithoutEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheNA)

	RecordHTTP(context.Background(), r, http.StatusOK, 15, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "ohif_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))

	require.Empty(t, findCounter(rm, "ohif_cache_http_requests_by_endpoint_total"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodPost, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "ohif_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "method", "POST"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordCacheLookup(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheLookup(ctx, CacheHit)
	RecordCacheLookup(ctx, CacheHit)
	RecordCacheLookup(ctx, CacheStale)
	RecordRecompute(ctx, "success", 20*time.Millisecond)

	rm := collectMetrics(t, reader)

	require.EqualValues(t, 2, counterValue(rm, "ohif_cache_metadata_lookups_total", "result", "hit"))
	require.EqualValues(t, 1, counterValue(rm, "ohif_cache_metadata_lookups_total", "result", "stale"))

	hist := findHistogram(rm, "ohif_cache_metadata_recompute_duration_seconds")
	require.Len(t, hist, 1)
	require.True(t, hasAttr(hist[0].Attributes, "outcome", "success"))
}

func TestRecordPreload(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordPreloadEnqueue(ctx, true, 1)
	RecordPreloadEnqueue(ctx, false, 1)
	RecordPreloadProcessed(ctx, "computed", 0)

	rm := collectMetrics(t, reader)

	require.EqualValues(t, 1, counterValue(rm, "ohif_cache_preload_enqueued_total", "result", "accepted"))
	require.EqualValues(t, 1, counterValue(rm, "ohif_cache_preload_enqueued_total", "result", "dropped"))
	require.EqualValues(t, 1, counterValue(rm, "ohif_cache_preload_processed_total", "outcome", "computed"))

	depth := findGauge(rm, "ohif_cache_preload_queue_depth")
	require.Len(t, depth, 1)
	require.EqualValues(t, 0, depth[0].Value)
}

func TestRecordSweeperCycle(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordSweeperCycle(context.Background(), 2, 5, time.Second)

	rm := collectMetrics(t, reader)

	require.EqualValues(t, 2, counterValue(rm, "ohif_cache_sweeper_deleted_total", "reason", "corrupt"))
	require.EqualValues(t, 5, counterValue(rm, "ohif_cache_sweeper_deleted_total", "reason", "stale"))
}

func TestRecordStudyBuild_InstancesOnlyOnSuccess(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordStudyBuild(ctx, "success", 12, 10*time.Millisecond)
	RecordStudyBuild(ctx, "not_found", 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	require.Len(t, findHistogram(rm, "ohif_cache_study_build_duration_seconds"), 2)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "ohif_cache_study_instances" {
				hist, ok := m.Data.(metricdata.Histogram[int64])
				require.True(t, ok)
				require.Len(t, hist.DataPoints, 1)
				require.Equal(t, uint64(1), hist.DataPoints[0].Count)
				require.EqualValues(t, 12, hist.DataPoints[0].Sum)
			}
		}
	}
}

func TestRecordFunctions_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// None of these may panic before InitMetrics
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordBackendOp(ctx, "bolt", "get", "success", time.Millisecond, 10)
	RecordCacheLookup(ctx, CacheMiss)
	RecordRecompute(ctx, "error", time.Millisecond)
	RecordPreloadEnqueue(ctx, true, 1)
	RecordPreloadProcessed(ctx, "error", 0)
	RecordStudyBuild(ctx, "success", 1, time.Millisecond)
	RecordChange(ctx, "NewInstance")
	RecordSweeperCycle(ctx, 0, 0, time.Millisecond)
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
