package flush

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tokeyframes/internal/observe"
	"github.com/MrWong99/tokeyframes/pkg/keyframe"
)

// Compile-time interface assertion.
var _ keyframe.Flusher = (*Dispatcher)(nil)

// Dispatcher hands saved takes to its sinks asynchronously. Every take gets
// its own goroutine and every sink of a take runs concurrently; takes saved
// back to back may complete in any order.
//
// A failing sink does not affect the others. There are no retries.
type Dispatcher struct {
	dir     func() string
	sinks   []Sink
	metrics *observe.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithLogger sets the logger for flush results. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// NewDispatcher returns a Dispatcher writing to sinks. dir is called once per
// take, synchronously inside [Dispatcher.Flush], to resolve the output
// directory at the moment of the save edge.
func NewDispatcher(dir func() string, sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		dir:   dir,
		sinks: sinks,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Flush implements [keyframe.Flusher]. It returns immediately. Takes arriving
// after [Dispatcher.Close] are logged and dropped.
func (d *Dispatcher) Flush(take keyframe.Take) {
	dir := ""
	if d.dir != nil {
		dir = d.dir()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Error("flush: dispatcher closed, take dropped", "start_tick", take.StartTick, "rows", take.Len())
		return
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.inflight.Done()
		d.run(dir, take)
	}()
}

func (d *Dispatcher) run(dir string, take keyframe.Take) {
	// Flushes are not tied to any request; they run to completion.
	ctx, span := observe.StartTakeSpan(context.Background(), take, dir)
	defer span.End()
	log := observe.WithTrace(ctx, d.log).With("start_tick", take.StartTick, "rows", take.Len())

	var g errgroup.Group
	for _, s := range d.sinks {
		g.Go(func() error {
			start := time.Now()
			err := s.Save(ctx, dir, take)
			d.metrics.RecordFlush(ctx, s.Name(), time.Since(start).Seconds(), err)
			if err != nil {
				log.Error("flush: sink failed", "sink", s.Name(), "dir", dir, "err", err)
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
			log.Info("flush: take written", "sink", s.Name(), "dir", dir, "duration", time.Since(start))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Wait blocks until every take handed to Flush so far has been written or
// has failed.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Close stops accepting takes and waits for in-flight writes. It returns
// ctx.Err() if ctx ends first; the writes keep running in the background.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush: close: %w", ctx.Err())
	}
}
