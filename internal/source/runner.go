// Package source feeds host ticks into a keyframe session.
//
// A [Runner] owns the [keyframe.Session] and is the only goroutine that ever
// touches it. Tick sources (the WAV renderer and the WebSocket bridge) submit
// [Block]s of consecutive ticks; the runner processes them strictly in tick
// order and publishes a [Status] snapshot for readers on other goroutines.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/tokeyframes/internal/observe"
	"github.com/MrWong99/tokeyframes/pkg/keyframe"
)

var (
	// ErrOutOfOrder is returned for a block whose first tick does not come
	// after the last processed tick.
	ErrOutOfOrder = errors.New("source: block index does not advance")

	// ErrStopped is returned when the runner is not running.
	ErrStopped = errors.New("source: runner stopped")
)

// Block is a run of consecutive ticks at one rate. Frame i is the level
// vector for tick Index+i.
type Block struct {
	Rate   float64     `json:"rate"`
	Index  int64       `json:"index"`
	Frames [][]float64 `json:"frames"`

	// Source labels the producer in metrics. Not part of the wire format.
	Source string `json:"-"`
}

// Status is a point-in-time view of the runner.
type Status struct {
	State     string `json:"state"`
	StartTick int64  `json:"start_tick"`
	Rows      int    `json:"rows"`

	// NextIndex is the lowest tick index the next block may start at.
	NextIndex int64 `json:"next_index"`

	Saved   int64 `json:"saved"`
	Aborted int64 `json:"aborted"`
}

type command int

const (
	cmdBlock command = iota
	cmdSave
	cmdAbort
)

type request struct {
	cmd   command
	block Block
	done  chan error
}

// Runner serialises all access to one session.
type Runner struct {
	session *keyframe.Session
	metrics *observe.Metrics
	log     *slog.Logger
	reqs    chan request
	stopped chan struct{}
	running atomic.Bool

	status atomic.Pointer[Status]

	// Owned by the Run goroutine.
	next           int64
	last           int64
	saved, aborted int64
}

// Option configures a [Runner].
type Option func(*Runner)

// WithLogger sets the logger. It is also handed to the session.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRunner creates the session for cfg and a runner around it. Saved takes
// go to f. Call [Runner.Run] to start processing.
func NewRunner(cfg keyframe.Config, f keyframe.Flusher, opts ...Option) (*Runner, error) {
	r := &Runner{
		log:     slog.Default(),
		reqs:    make(chan request),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}

	s, err := keyframe.NewSession(cfg, f,
		keyframe.WithLogger(r.log),
		keyframe.WithObserver(r.onEvent),
	)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	r.session = s
	r.publish()
	return r, nil
}

// Arity returns the number of levels every frame must carry.
func (r *Runner) Arity() int { return r.session.Arity() }

// Status returns the latest snapshot. Safe for concurrent use.
func (r *Runner) Status() Status { return *r.status.Load() }

// Run processes requests until ctx is done. It returns ctx.Err(). Run must
// be called at most once.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("source: runner already running")
	}
	defer close(r.stopped)
	r.log.Info("runner started", "arity", r.session.Arity())
	for {
		select {
		case <-ctx.Done():
			if r.session.State() == keyframe.StateRecording {
				r.log.Warn("runner stopped while recording; take discarded", "start_tick", r.session.StartTick())
			}
			return ctx.Err()
		case req := <-r.reqs:
			err := r.handle(ctx, req)
			// Callers read Status right after their request returns.
			r.publish()
			req.done <- err
		}
	}
}

// Submit hands b to the run goroutine and waits until it has been processed.
// A block is rejected as a whole with [ErrOutOfOrder] or
// [keyframe.ErrLayoutMismatch] before any of its ticks are processed. Other
// per-tick errors are returned after the whole block ran.
func (r *Runner) Submit(ctx context.Context, b Block) error {
	return r.do(ctx, request{cmd: cmdBlock, block: b})
}

// Save ends the current recording as a save edge on the last processed tick
// would. It is a no-op while idle.
func (r *Runner) Save(ctx context.Context) error {
	return r.do(ctx, request{cmd: cmdSave})
}

// Abort discards the current recording.
func (r *Runner) Abort(ctx context.Context) error {
	return r.do(ctx, request{cmd: cmdAbort})
}

func (r *Runner) do(ctx context.Context, req request) error {
	req.done = make(chan error, 1)
	select {
	case r.reqs <- req:
	case <-r.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		// The request still runs to completion on the run goroutine.
		return ctx.Err()
	}
}

func (r *Runner) handle(ctx context.Context, req request) error {
	switch req.cmd {
	case cmdSave:
		r.session.Save(r.last)
		return nil
	case cmdAbort:
		r.session.Abort(r.last)
		return nil
	}

	b := req.block
	if len(b.Frames) == 0 {
		return nil
	}
	if b.Index < r.next {
		return fmt.Errorf("%w: got %d, want >= %d", ErrOutOfOrder, b.Index, r.next)
	}
	arity := r.session.Arity()
	for i, f := range b.Frames {
		if len(f) < arity {
			return fmt.Errorf("%w: frame %d has %d levels, need %d", keyframe.ErrLayoutMismatch, i, len(f), arity)
		}
	}

	var firstErr error
	for i, f := range b.Frames {
		idx := b.Index + int64(i)
		if err := r.session.Process(keyframe.Tick{Rate: b.Rate, Index: idx, Levels: f}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.last = b.Index + int64(len(b.Frames)) - 1
	r.next = r.last + 1

	src := b.Source
	if src == "" {
		src = "unknown"
	}
	r.metrics.RecordTicks(ctx, src, len(b.Frames))
	return firstErr
}

// onEvent runs on the run goroutine, inside Session.Process.
func (r *Runner) onEvent(e keyframe.Event) {
	ctx := context.Background()
	switch e.Kind {
	case keyframe.EventStarted:
		r.metrics.RecordStart(ctx)
		r.log.Info("recording started", "start_tick", e.Tick)
	case keyframe.EventKeyframe:
		r.metrics.Keyframes.Add(ctx, 1)
	case keyframe.EventSaved:
		r.saved++
		r.metrics.RecordTake(ctx, observe.OutcomeSaved, e.Rows)
		r.log.Info("recording saved", "end_tick", e.Tick, "rows", e.Rows)
	case keyframe.EventAborted:
		r.aborted++
		r.metrics.RecordTake(ctx, observe.OutcomeAborted, 0)
		r.log.Info("recording aborted", "tick", e.Tick)
	}
}

func (r *Runner) publish() {
	rows, _ := r.session.Len()
	st := &Status{
		State:     r.session.State().String(),
		Rows:      rows,
		NextIndex: r.next,
		Saved:     r.saved,
		Aborted:   r.aborted,
	}
	if r.session.State() == keyframe.StateRecording {
		st.StartTick = r.session.StartTick()
	}
	r.status.Store(st)
}
