// Package observe provides application-wide observability primitives for
// rollcall: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all rollcall metrics.
const meterName = "github.com/MrWong99/rollcall"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Batch resolver ---

	// RunDuration tracks the wall time of a batch resolver run. Use with
	// attribute: attribute.String("status", ...)
	RunDuration metric.Float64Histogram

	// Runs counts batch resolver runs. Use with attribute:
	//   attribute.String("status", "ok"|"fetch_failed"|"error")
	Runs metric.Int64Counter

	// Outcomes counts per-name resolver outcomes. Use with attribute:
	//   attribute.String("outcome", ...)
	Outcomes metric.Int64Counter

	// ItemFailures counts raw names whose processing failed or panicked.
	ItemFailures metric.Int64Counter

	// ExtractionMisses counts transcripts that yielded no raw name.
	ExtractionMisses metric.Int64Counter

	// --- External fetches ---

	// FetchDuration tracks how long fetching an input took. Use with
	// attributes: attribute.String("source", "roster"|"transcripts"),
	// attribute.String("status", ...)
	FetchDuration metric.Float64Histogram

	// CRMRequests counts CRM page requests. Use with attribute:
	//   attribute.String("status", ...)
	CRMRequests metric.Int64Counter

	// --- Review workflow ---

	// ReviewActions counts human review operations. Use with attributes:
	//   attribute.String("action", ...), attribute.String("status", ...)
	ReviewActions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for API
// requests and CRM page fetches.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// runBuckets defines histogram bucket boundaries (in seconds) for whole batch
// runs and full input fetches.
var runBuckets = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RunDuration, err = m.Float64Histogram("rollcall.resolver.run.duration",
		metric.WithDescription("Wall time of a batch resolver run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(runBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FetchDuration, err = m.Float64Histogram("rollcall.fetch.duration",
		metric.WithDescription("Time taken to fetch the roster or the transcripts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(runBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("rollcall.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Runs, err = m.Int64Counter("rollcall.resolver.runs",
		metric.WithDescription("Batch resolver runs by status."),
	); err != nil {
		return nil, err
	}
	if met.Outcomes, err = m.Int64Counter("rollcall.resolver.outcomes",
		metric.WithDescription("Per-name resolver outcomes."),
	); err != nil {
		return nil, err
	}
	if met.ItemFailures, err = m.Int64Counter("rollcall.resolver.item_failures",
		metric.WithDescription("Raw names whose processing failed."),
	); err != nil {
		return nil, err
	}
	if met.ExtractionMisses, err = m.Int64Counter("rollcall.extraction.misses",
		metric.WithDescription("Transcripts that yielded no raw name."),
	); err != nil {
		return nil, err
	}
	if met.CRMRequests, err = m.Int64Counter("rollcall.crm.requests",
		metric.WithDescription("CRM roster page requests by status."),
	); err != nil {
		return nil, err
	}
	if met.ReviewActions, err = m.Int64Counter("rollcall.review.actions",
		metric.WithDescription("Human review operations by action and status."),
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRun records a finished batch run.
func (m *Metrics) RecordRun(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Runs.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordOutcome records n names that ended a run with the given outcome.
func (m *Metrics) RecordOutcome(ctx context.Context, outcome string, n int) {
	if n <= 0 {
		return
	}
	m.Outcomes.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordFetch records the duration of fetching one input source.
func (m *Metrics) RecordFetch(ctx context.Context, source, status string, d time.Duration) {
	m.FetchDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", status),
		),
	)
}

// RecordCRMRequest records a single CRM page request.
func (m *Metrics) RecordCRMRequest(ctx context.Context, status string) {
	m.CRMRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordReviewAction records a review operation.
func (m *Metrics) RecordReviewAction(ctx context.Context, action, status string) {
	m.ReviewActions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("status", status),
		),
	)
}
