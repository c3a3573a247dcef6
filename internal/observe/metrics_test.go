package observe

import (
	"context"
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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumFor returns the value of the int64 sum data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestRecordRun(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRun(ctx, "ok", 2*time.Second)
	m.RecordRun(ctx, "ok", time.Second)
	m.RecordRun(ctx, "fetch_failed", 10*time.Millisecond)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "rollcall.resolver.runs", "status", "ok"); got != 2 {
		t.Errorf("runs{status=ok} = %d, want 2", got)
	}
	if got := sumFor(t, rm, "rollcall.resolver.runs", "status", "fetch_failed"); got != 1 {
		t.Errorf("runs{status=fetch_failed} = %d, want 1", got)
	}

	met := findMetric(rm, "rollcall.resolver.run.duration")
	if met == nil {
		t.Fatal("run duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("run duration metric is not a histogram")
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("run duration sample count = %d, want 3", count)
	}
}

func TestRecordOutcome(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordOutcome(ctx, "auto_matched", 3)
	m.RecordOutcome(ctx, "auto_matched", 2)
	m.RecordOutcome(ctx, "rejected", 1)
	m.RecordOutcome(ctx, "unmatched", 0)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "rollcall.resolver.outcomes", "outcome", "auto_matched"); got != 5 {
		t.Errorf("outcomes{auto_matched} = %d, want 5", got)
	}
	if got := sumFor(t, rm, "rollcall.resolver.outcomes", "outcome", "rejected"); got != 1 {
		t.Errorf("outcomes{rejected} = %d, want 1", got)
	}
}

func TestRecordFetchAndCRMRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFetch(ctx, "roster", "ok", 300*time.Millisecond)
	m.RecordCRMRequest(ctx, "ok")
	m.RecordCRMRequest(ctx, "retryable")
	m.RecordCRMRequest(ctx, "ok")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "rollcall.crm.requests", "status", "ok"); got != 2 {
		t.Errorf("crm.requests{ok} = %d, want 2", got)
	}
	met := findMetric(rm, "rollcall.fetch.duration")
	if met == nil {
		t.Fatal("fetch duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("fetch duration: unexpected data %#v", met.Data)
	}
	if v, _ := hist.DataPoints[0].Attributes.Value("source"); v.AsString() != "roster" {
		t.Errorf("fetch duration source = %q, want roster", v.AsString())
	}
}

func TestRecordReviewAction(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordReviewAction(ctx, "approve", "ok")
	m.RecordReviewAction(ctx, "undo", "nothing_to_undo")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "rollcall.review.actions", "action", "undo"); got != 1 {
		t.Errorf("review.actions{undo} = %d, want 1", got)
	}
}

func TestCountersWithoutAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ItemFailures.Add(ctx, 2)
	m.ExtractionMisses.Add(ctx, 4)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"rollcall.resolver.item_failures": 2,
		"rollcall.extraction.misses":      4,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || len(sum.DataPoints) != 1 {
			t.Fatalf("metric %q: unexpected data %#v", name, met.Data)
		}
		if got := sum.DataPoints[0].Value; got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a == nil || a != b {
		t.Fatal("DefaultMetrics should return the same non-nil instance")
	}
}
