// Package observe wires OpenTelemetry into the recorder: the metric
// instruments every component records into, span helpers for take flushes
// and the HTTP middleware that traces and times requests.
//
// [InitProvider] exports the instruments to a Prometheus registry. Tests
// build their own [Metrics] with [NewMetrics] on a manual reader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/tokeyframes"

// Take outcomes used with [Metrics.RecordTake].
const (
	OutcomeSaved   = "saved"
	OutcomeAborted = "aborted"
)

// Metrics holds the recorder's instruments. Safe for concurrent use.
type Metrics struct {
	// ─── Tick path ───

	Ticks     metric.Int64Counter       // by source
	Keyframes metric.Int64Counter
	Takes     metric.Int64Counter       // by outcome
	TakeRows  metric.Int64Histogram     // rows per saved take
	Recording metric.Int64UpDownCounter // 1 while a session records

	// ─── Flush path ───

	FlushDuration metric.Float64Histogram // by sink, seconds
	FlushErrors   metric.Int64Counter     // by sink

	// ─── HTTP ───

	HTTPRequestDuration metric.Float64Histogram // by method, route and status
}

// Sink writes range from a small CSV on local disk to a long take sent to
// a remote database.
var flushBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10}

// One take at the default 24 keyframes per second: a second, ten seconds,
// a minute, ten minutes, an hour.
var rowBuckets = []float64{24, 240, 1440, 14400, 86400}

// instruments collects creation errors so NewMetrics reports all of them.
type instruments struct {
	m    metric.Meter
	errs []error
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.m.Int64Counter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	c, err := in.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.m.Float64Histogram(name, opts...)
	in.errs = append(in.errs, err)
	return h
}

func (in *instruments) sizes(name, desc string, buckets ...float64) metric.Int64Histogram {
	h, err := in.m.Int64Histogram(name,
		metric.WithDescription(desc),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	in.errs = append(in.errs, err)
	return h
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{m: mp.Meter(meterName)}
	met := &Metrics{
		Ticks:     in.counter("tokeyframes.ticks", "Host ticks processed by source."),
		Keyframes: in.counter("tokeyframes.keyframes", "Keyframe rows emitted."),
		Takes:     in.counter("tokeyframes.takes", "Finished recordings by outcome."),
		TakeRows:  in.sizes("tokeyframes.take.rows", "Keyframe rows per saved take.", rowBuckets...),
		Recording: in.gauge("tokeyframes.recording", "1 while a recording is in progress."),

		FlushDuration: in.seconds("tokeyframes.flush.duration", "Time to persist one take by sink.", flushBuckets...),
		FlushErrors:   in.counter("tokeyframes.flush.errors", "Failed take writes by sink."),

		HTTPRequestDuration: in.seconds("tokeyframes.http.request.duration", "HTTP request latency by method, route and status."),
	}
	if err := errors.Join(in.errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a shared [Metrics] on the global meter provider,
// created on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTicks adds n processed ticks for source.
func (m *Metrics) RecordTicks(ctx context.Context, source string, n int) {
	m.Ticks.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}

// RecordStart raises the recording gauge.
func (m *Metrics) RecordStart(ctx context.Context) {
	m.Recording.Add(ctx, 1)
}

// RecordTake counts a finished recording and lowers the recording gauge.
// rows is recorded for saved takes only.
func (m *Metrics) RecordTake(ctx context.Context, outcome string, rows int) {
	m.Takes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.Recording.Add(ctx, -1)
	if outcome == OutcomeSaved {
		m.TakeRows.Record(ctx, int64(rows))
	}
}

// RecordFlush records one sink write. A non-nil err also counts as a
// failure.
func (m *Metrics) RecordFlush(ctx context.Context, sink string, seconds float64, err error) {
	attrs := metric.WithAttributes(attribute.String("sink", sink))
	m.FlushDuration.Record(ctx, seconds, attrs)
	if err != nil {
		m.FlushErrors.Add(ctx, 1, attrs)
	}
}
