package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// meterFixture pairs a Metrics with the manual reader behind it.
type meterFixture struct {
	*Metrics
	reader *sdkmetric.ManualReader
}

func newMeterFixture(t *testing.T) meterFixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return meterFixture{Metrics: m, reader: reader}
}

func (f meterFixture) snapshot(t *testing.T) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

// label reads one string attribute of a data point.
func label(set attribute.Set, key string) string {
	v, _ := set.Value(attribute.Key(key))
	return v.AsString()
}

// sums returns an int64 sum keyed by the value of the given label. An empty
// key puts every point under "".
func sums(t *testing.T, rm metricdata.ResourceMetrics, name, key string) map[string]int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not recorded", name)
	}
	data, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want an int64 sum", name, met.Data)
	}
	out := make(map[string]int64)
	for _, dp := range data.DataPoints {
		out[label(dp.Attributes, key)] += dp.Value
	}
	return out
}

func TestRecordTicks_BySource(t *testing.T) {
	f := newMeterFixture(t)
	ctx := context.Background()
	f.RecordTicks(ctx, "wav", 4096)
	f.RecordTicks(ctx, "wav", 1024)
	f.RecordTicks(ctx, "websocket", 128)

	got := sums(t, f.snapshot(t), "tokeyframes.ticks", "source")
	if got["wav"] != 5120 || got["websocket"] != 128 {
		t.Errorf("ticks = %v", got)
	}
}

func TestTakeLifecycle(t *testing.T) {
	f := newMeterFixture(t)
	ctx := context.Background()

	f.RecordStart(ctx)
	f.Keyframes.Add(ctx, 3)
	f.RecordTake(ctx, OutcomeSaved, 3)

	f.RecordStart(ctx)
	f.RecordTake(ctx, OutcomeAborted, 0)

	// Left recording.
	f.RecordStart(ctx)

	rm := f.snapshot(t)
	takes := sums(t, rm, "tokeyframes.takes", "outcome")
	if takes[OutcomeSaved] != 1 || takes[OutcomeAborted] != 1 {
		t.Errorf("takes = %v", takes)
	}
	if got := sums(t, rm, "tokeyframes.recording", "")[""]; got != 1 {
		t.Errorf("recording = %d, want 1", got)
	}
	if got := sums(t, rm, "tokeyframes.keyframes", "")[""]; got != 3 {
		t.Errorf("keyframes = %d, want 3", got)
	}

	met := findMetric(rm, "tokeyframes.take.rows")
	if met == nil {
		t.Fatal("take rows not recorded")
	}
	rows := met.Data.(metricdata.Histogram[int64]).DataPoints
	if len(rows) != 1 || rows[0].Count != 1 || rows[0].Sum != 3 {
		t.Errorf("take rows = %+v, want one saved take of 3 rows", rows)
	}
}

func TestRecordFlush_CountsFailuresPerSink(t *testing.T) {
	f := newMeterFixture(t)
	ctx := context.Background()
	f.RecordFlush(ctx, "csv", 0.002, nil)
	f.RecordFlush(ctx, "csv", 0.004, nil)
	f.RecordFlush(ctx, "postgres", 1.2, errors.New("connection refused"))

	rm := f.snapshot(t)
	met := findMetric(rm, "tokeyframes.flush.duration")
	if met == nil {
		t.Fatal("flush duration not recorded")
	}
	counts := make(map[string]uint64)
	for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
		counts[label(dp.Attributes, "sink")] = dp.Count
	}
	if counts["csv"] != 2 || counts["postgres"] != 1 {
		t.Errorf("flush samples = %v", counts)
	}

	failures := sums(t, rm, "tokeyframes.flush.errors", "sink")
	if failures["postgres"] != 1 {
		t.Errorf("postgres failures = %d, want 1", failures["postgres"])
	}
	if _, ok := failures["csv"]; ok {
		t.Error("csv recorded a failure")
	}
}

func TestDefaultMetrics_Shared(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
