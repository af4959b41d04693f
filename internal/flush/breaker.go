package flush

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tokeyframes/pkg/keyframe"
)

// ErrSinkOpen is returned by a [BreakerSink] that is rejecting saves after
// repeated failures.
var ErrSinkOpen = errors.New("flush: sink circuit open")

// BreakerState is the operating mode of a [BreakerSink].
type BreakerState int

const (
	// BreakerClosed forwards every save.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects saves with [ErrSinkOpen] until the cool-down ends.
	BreakerOpen

	// BreakerHalfOpen lets a single trial save through. Its outcome closes or
	// re-opens the breaker.
	BreakerHalfOpen
)

// String returns the human-readable name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [BreakerSink].
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed saves that opens the
	// breaker. Default: 3.
	MaxFailures int

	// CoolDown is how long the breaker stays open before a trial save is
	// allowed.
	// Default: 30s.
	CoolDown time.Duration

	// Logger receives state changes. Default: slog.Default().
	Logger *slog.Logger

	// now is replaced in tests.
	now func() time.Time
}

// BreakerSink stops calling a failing sink for a while so that takes do not
// pile up behind an unreachable backend. Rejected takes are lost for that
// sink only; the other sinks still receive them.
type BreakerSink struct {
	next        Sink
	maxFailures int
	coolDown    time.Duration
	log         *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool // a half-open trial save is in flight
}

// Compile-time interface assertion.
var _ Sink = (*BreakerSink)(nil)

// WithBreaker wraps next in a [BreakerSink].
func WithBreaker(next Sink, cfg BreakerConfig) *BreakerSink {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &BreakerSink{
		next:        next,
		maxFailures: cfg.MaxFailures,
		coolDown:    cfg.CoolDown,
		log:         cfg.Logger.With("sink", next.Name()),
		now:         cfg.now,
	}
}

// Name returns the wrapped sink's name.
func (b *BreakerSink) Name() string { return b.next.Name() }

// State returns the current breaker state.
func (b *BreakerSink) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Save forwards to the wrapped sink unless the breaker is open.
func (b *BreakerSink) Save(ctx context.Context, dir string, take keyframe.Take) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = b.next.Save(ctx, dir, take)
	b.record(trial, err)
	return err
}

// admit reports whether the save may run and whether it is the half-open
// trial.
func (b *BreakerSink) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return false, ErrSinkOpen
		}
		b.state = BreakerHalfOpen
		b.log.Info("sink breaker half-open, trying one save")
		fallthrough
	case BreakerHalfOpen:
		if b.trial {
			return false, ErrSinkOpen
		}
		b.trial = true
		return true, nil
	}
	return false, nil
}

// record folds the outcome of a save into the state. Saves admitted while
// closed may finish after the breaker opened; their outcome is dropped then.
func (b *BreakerSink) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trial = false
		if err != nil {
			b.open()
			return
		}
		b.state = BreakerClosed
		b.failures = 0
		b.log.Info("sink breaker closed")
		return
	}
	if b.state != BreakerClosed {
		return
	}

	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.open()
	}
}

// open must be called with b.mu held.
func (b *BreakerSink) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.log.Warn("sink breaker opened", "consecutive_failures", b.failures, "cool_down", b.coolDown)
}
