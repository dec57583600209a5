// Package observe provides the service's observability primitives:
// OpenTelemetry metrics, tracing, trace-aware logging and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter bridge set up by [InitProvider]. A package-level
// [DefaultMetrics] instance is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/Courtneyezra/handyservices-app-sub008"

// Metrics holds all OpenTelemetry metric instruments for the service.
// All fields are safe for concurrent use.
type Metrics struct {
	// AnalysisDuration tracks one aggregate analysis pass. Attributes: tier.
	AnalysisDuration metric.Float64Histogram

	// ProviderDuration tracks model calls. Attributes: kind, op.
	ProviderDuration metric.Float64Histogram

	// ProviderRequests counts provider calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// Detections counts per-task outcomes. Attributes: method, route.
	Detections metric.Int64Counter

	// AnalysisPasses counts emitted analyses. Attributes: tier, final.
	AnalysisPasses metric.Int64Counter

	// EventsDropped counts events not delivered to a slow subscriber.
	// Attributes: type.
	EventsDropped metric.Int64Counter

	// CatalogRefreshes counts cache refreshes. Attributes: status.
	CatalogRefreshes metric.Int64Counter

	// CatalogItems is the active item count of the current snapshot.
	CatalogItems metric.Int64Gauge

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, from sub-50ms keyword
// passes up to slow model round-trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AnalysisDuration, err = m.Float64Histogram("callintel.analysis.duration",
		metric.WithDescription("Latency of one aggregate analysis pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("callintel.provider.duration",
		metric.WithDescription("Latency of language-model and embedding calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("callintel.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("callintel.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Detections, err = m.Int64Counter("callintel.detections",
		metric.WithDescription("Per-task detection outcomes by method and route."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisPasses, err = m.Int64Counter("callintel.analysis.passes",
		metric.WithDescription("Emitted analyses by tier."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("callintel.events.dropped",
		metric.WithDescription("Events dropped because a subscriber was full."),
	); err != nil {
		return nil, err
	}
	if met.CatalogRefreshes, err = m.Int64Counter("callintel.catalog.refreshes",
		metric.WithDescription("Catalog cache refresh attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.CatalogItems, err = m.Int64Gauge("callintel.catalog.items",
		metric.WithDescription("Active items in the current catalog snapshot."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("callintel.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callintel.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordProviderLatency records the duration of a model call.
func (m *Metrics) RecordProviderLatency(ctx context.Context, kind, op string, d time.Duration) {
	m.ProviderDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("op", op),
		),
	)
}

// RecordDetection records one per-task detector outcome.
func (m *Metrics) RecordDetection(ctx context.Context, method, route string) {
	m.Detections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("route", route),
		),
	)
}

// RecordAnalysis records an emitted analysis and, for main passes, its
// duration.
func (m *Metrics) RecordAnalysis(ctx context.Context, tier int, final bool, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tier", strconv.Itoa(tier)),
		attribute.Bool("final", final),
	)
	m.AnalysisPasses.Add(ctx, 1, attrs)
	if d > 0 {
		m.AnalysisDuration.Record(ctx, d.Seconds(),
			metric.WithAttributes(attribute.String("tier", strconv.Itoa(tier))))
	}
}

// RecordEventDropped records an event lost to a full subscriber buffer.
func (m *Metrics) RecordEventDropped(ctx context.Context, eventType string) {
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordCatalogRefresh records a refresh attempt and, on success, the new
// item count.
func (m *Metrics) RecordCatalogRefresh(ctx context.Context, items int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CatalogRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if err == nil {
		m.CatalogItems.Record(ctx, int64(items))
	}
}
