package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value of the data point carrying attr.
func sumFor(t *testing.T, met *metricdata.Metrics, attr attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", met.Name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
			return dp.Value
		}
	}
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "error")
	m.RecordProviderError(ctx, "openai", "llm")

	rm := collect(t, reader)
	met := findMetric(rm, "callintel.provider.requests")
	if met == nil {
		t.Fatal("provider requests metric not found")
	}
	if got := sumFor(t, met, Attr("status", "ok")); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumFor(t, met, Attr("status", "error")); got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}
	errs := findMetric(rm, "callintel.provider.errors")
	if errs == nil || sumFor(t, errs, Attr("provider", "openai")) != 1 {
		t.Error("expected one provider error")
	}
}

func TestRecordDetection(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDetection(ctx, "keyword", "INSTANT_PRICE")
	m.RecordDetection(ctx, "heuristic", "SITE_VISIT")
	m.RecordDetection(ctx, "heuristic", "SITE_VISIT")

	met := findMetric(collect(t, reader), "callintel.detections")
	if met == nil {
		t.Fatal("detections metric not found")
	}
	if got := sumFor(t, met, Attr("method", "heuristic")); got != 2 {
		t.Errorf("heuristic detections = %d, want 2", got)
	}
}

func TestRecordAnalysis(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAnalysis(ctx, 1, false, 120*time.Millisecond)
	m.RecordAnalysis(ctx, 2, false, 0)
	m.RecordAnalysis(ctx, 1, true, 80*time.Millisecond)

	rm := collect(t, reader)
	passes := findMetric(rm, "callintel.analysis.passes")
	if passes == nil {
		t.Fatal("passes metric not found")
	}
	if got := sumFor(t, passes, Attr("tier", "2")); got != 1 {
		t.Errorf("tier 2 passes = %d, want 1", got)
	}

	dur := findMetric(rm, "callintel.analysis.duration")
	if dur == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration is not a histogram")
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("duration samples = %d, want 2", count)
	}
}

func TestRecordCatalogRefresh(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCatalogRefresh(ctx, 42, nil)
	m.RecordCatalogRefresh(ctx, 0, errors.New("db down"))

	rm := collect(t, reader)
	refreshes := findMetric(rm, "callintel.catalog.refreshes")
	if refreshes == nil {
		t.Fatal("refreshes metric not found")
	}
	if got := sumFor(t, refreshes, Attr("status", "error")); got != 1 {
		t.Errorf("error refreshes = %d, want 1", got)
	}

	items := findMetric(rm, "callintel.catalog.items")
	if items == nil {
		t.Fatal("items gauge not found")
	}
	gauge, ok := items.Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) == 0 {
		t.Fatal("items is not a populated int64 gauge")
	}
	if got := gauge.DataPoints[0].Value; got != 42 {
		t.Errorf("items = %d, want 42", got)
	}
}

func TestActiveSessionsAndDrops(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 3)
	m.ActiveSessions.Add(ctx, -1)
	m.RecordEventDropped(ctx, "analysis_updated")

	rm := collect(t, reader)
	active := findMetric(rm, "callintel.active_sessions")
	if active == nil {
		t.Fatal("active sessions metric not found")
	}
	sum, ok := active.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 2 {
		t.Errorf("active sessions = %+v, want 2", active.Data)
	}
	dropped := findMetric(rm, "callintel.events.dropped")
	if dropped == nil || sumFor(t, dropped, Attr("type", "analysis_updated")) != 1 {
		t.Error("expected one dropped event")
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics should return the same pointer")
	}
}
