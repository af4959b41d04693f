// Package keyframe implements the sample-rate-synchronous keyframe recorder.
//
// A [Session] consumes host ticks one at a time. Rising edges on three gate
// inputs start, abort and save a recording. While recording, every keyframe
// window of floor(tickRate/keyframeRate) ticks produces one row of channel
// values plus one snapshot of each waveform channel's most recent aligned
// cycle. A save edge hands the finished [Take] to a [Flusher] and returns the
// session to idle.
//
// The package performs no I/O and starts no goroutines. A Session is not safe
// for concurrent use; drive it from a single goroutine.
package keyframe

import (
	"errors"
	"fmt"
	"log/slog"
)

// DefaultKeyframeRate is the number of keyframe windows per second.
const DefaultKeyframeRate = 24

// State is the recording state of a [Session].
type State int

const (
	// StateIdle is the initial state: edges are watched, nothing is recorded.
	StateIdle State = iota

	// StateRecording accumulates windows into the take buffers.
	StateRecording
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// Tick is one invocation from the host.
type Tick struct {
	// Rate is the host's current tick rate in ticks per second.
	Rate float64

	// Index is the host's absolute, monotonically increasing tick counter.
	Index int64

	// Levels holds one instantaneous level per host input. It is only read
	// during [Session.Process] and never retained.
	Levels []float64
}

// Config configures a [Session].
type Config struct {
	// KeyframeRate is the number of windows per second. Default: 24.
	KeyframeRate float64

	// Waveform tunes every waveform capture.
	Waveform WaveformConfig

	// Layout maps tick levels to roles. A zero Layout selects [DefaultLayout].
	Layout Layout

	// ResetWaveformEachWindow zeroes waveform bins after every emitted row
	// instead of only when a new cycle capture begins.
	ResetWaveformEachWindow bool
}

// EventKind classifies an [Event].
type EventKind int

const (
	EventStarted EventKind = iota
	EventKeyframe
	EventAborted
	EventSaved
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventKeyframe:
		return "keyframe"
	case EventAborted:
		return "aborted"
	case EventSaved:
		return "saved"
	default:
		return "unknown"
	}
}

// Event describes a state transition or emission. Observers are called
// synchronously on the tick path and must not block.
type Event struct {
	Kind EventKind
	Tick int64
	Rows int
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the logger used for transitions. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithObserver registers fn to receive every [Event].
func WithObserver(fn func(Event)) Option {
	return func(s *Session) { s.observe = fn }
}

// Session is the recording state machine. It exclusively owns the take
// buffers and every per-window accumulator.
type Session struct {
	cfg     Config
	clock   Clock
	arity   int
	flusher Flusher
	log     *slog.Logger
	observe func(Event)

	state     State
	startTick int64

	start, abort, save Trigger

	avg     *Averager
	avgSlot []int // per row channel: averager slot, or -1 for direct channels
	waves   []*WaveformCapture

	keyframes [][]float64
	snapshots [][][]float64
}

// NewSession validates cfg and returns an idle Session. f may be nil, in
// which case saved takes are discarded.
func NewSession(cfg Config, f Flusher, opts ...Option) (*Session, error) {
	if cfg.KeyframeRate == 0 {
		cfg.KeyframeRate = DefaultKeyframeRate
	}
	if !validRate(cfg.KeyframeRate) {
		return nil, fmt.Errorf("keyframe: keyframe rate %v: %w", cfg.KeyframeRate, ErrInvalidRate)
	}
	if cfg.Waveform.Resolution == 0 {
		cfg.Waveform.Resolution = DefaultWaveformResolution
	}
	if cfg.Waveform.BaseFrequency == 0 {
		cfg.Waveform.BaseFrequency = DefaultBaseFrequency
		if cfg.Waveform.PitchOffset == 0 {
			cfg.Waveform.PitchOffset = DefaultPitchOffset
		}
	}
	if cfg.Waveform.Resolution < 0 || cfg.Waveform.BaseFrequency < 0 {
		return nil, errors.New("keyframe: waveform resolution and base frequency must be positive")
	}
	if len(cfg.Layout.Channels) == 0 && len(cfg.Layout.Waveforms) == 0 {
		cfg.Layout = DefaultLayout()
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("keyframe: layout: %w", err)
	}

	s := &Session{
		cfg:     cfg,
		clock:   Clock{KeyframeRate: cfg.KeyframeRate},
		arity:   cfg.Layout.Arity(),
		flusher: f,
		log:     slog.Default(),
		avgSlot: make([]int, len(cfg.Layout.Channels)),
	}
	n := 0
	for i, c := range cfg.Layout.Channels {
		s.avgSlot[i] = -1
		if c.Averaged {
			s.avgSlot[i] = n
			n++
		}
	}
	s.avg = NewAverager(n)
	for range cfg.Layout.Waveforms {
		s.waves = append(s.waves, NewWaveformCapture(cfg.Waveform))
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// StartTick returns the tick recording started on. Meaningless while idle.
func (s *Session) StartTick() int64 { return s.startTick }

// Len returns the lengths of the keyframe row buffer and the waveform
// snapshot buffer. They are always equal.
func (s *Session) Len() (rows, snapshots int) {
	return len(s.keyframes), len(s.snapshots)
}

// Arity returns the number of levels each tick must carry.
func (s *Session) Arity() int { return s.arity }

// Config returns the effective configuration after defaults.
func (s *Session) Config() Config { return s.cfg }

// Process advances the session by one tick. Edges are evaluated on every
// tick regardless of state: start, then abort, then the recording step, then
// save.
//
// An error is returned when the tick cannot be honoured: too few levels
// ([ErrLayoutMismatch]), or a rate that yields an empty window
// ([ErrInvalidRate]). A start edge on such a tick leaves the session idle; a
// recording tick with an invalid rate is skipped. Edge levels are still
// tracked so later edges are detected correctly.
func (s *Session) Process(t Tick) error {
	if len(t.Levels) < s.arity {
		return fmt.Errorf("%w: got %d levels, need %d", ErrLayoutMismatch, len(t.Levels), s.arity)
	}
	l := &s.cfg.Layout
	var err error

	if s.start.Process(t.Levels[l.Start]) && s.state == StateIdle {
		if _, rerr := s.clock.TicksPerWindow(t.Rate); rerr != nil {
			err = fmt.Errorf("keyframe: start at tick %d with rate %v: %w", t.Index, t.Rate, rerr)
			s.log.Warn("start edge ignored", "tick", t.Index, "rate", t.Rate, "err", rerr)
		} else {
			s.begin(t.Index)
		}
	}

	if s.abort.Process(t.Levels[l.Abort]) {
		s.stop(t.Index, EventAborted)
	}

	if s.state == StateRecording {
		if rerr := s.record(t); rerr != nil && err == nil {
			err = rerr
		}
	}

	if s.save.Process(t.Levels[l.Save]) {
		s.stop(t.Index, EventSaved)
	}
	return err
}

// Save ends a recording as a save edge on tick would, without touching the
// gate levels. It is a no-op while idle.
func (s *Session) Save(tick int64) { s.stop(tick, EventSaved) }

// Abort ends a recording as an abort edge on tick would. It is a no-op while
// idle.
func (s *Session) Abort(tick int64) { s.stop(tick, EventAborted) }

func (s *Session) begin(tick int64) {
	s.reset()
	s.state = StateRecording
	s.startTick = tick
	s.log.Debug("recording started", "start_tick", tick)
	s.emitEvent(Event{Kind: EventStarted, Tick: tick})
}

// stop ends the recording. On a save the buffers move into a Take for the
// flusher; on an abort they are dropped. Either way the session is idle and
// empty afterwards. Stopping an idle session only repeats the (idempotent)
// clear.
func (s *Session) stop(tick int64, kind EventKind) {
	wasRecording := s.state == StateRecording
	var take Take
	if kind == EventSaved && wasRecording {
		take = s.takeBuffers(tick)
	}
	s.reset()
	s.state = StateIdle
	if !wasRecording {
		return
	}

	rows := take.Len()
	if kind == EventSaved {
		s.log.Debug("recording saved", "start_tick", take.StartTick, "end_tick", tick, "rows", rows)
		if rows > 0 && s.flusher != nil {
			s.flusher.Flush(take)
		}
	} else {
		s.log.Debug("recording aborted", "tick", tick)
	}
	s.emitEvent(Event{Kind: kind, Tick: tick, Rows: rows})
}

// takeBuffers moves the buffers out of the session.
func (s *Session) takeBuffers(tick int64) Take {
	t := Take{
		StartTick:    s.startTick,
		EndTick:      tick,
		KeyframeRate: s.cfg.KeyframeRate,
		Resolution:   s.cfg.Waveform.Resolution,
		Columns:      s.cfg.Layout.Columns(),
		Keyframes:    s.keyframes,
		Snapshots:    s.snapshots,

		WaveformNames: make([]string, 0, len(s.cfg.Layout.Waveforms)),
	}
	for i, w := range s.cfg.Layout.Waveforms {
		name := w.Name
		if name == "" {
			name = fmt.Sprintf("waveform_%d", i)
		}
		t.WaveformNames = append(t.WaveformNames, name)
	}
	s.keyframes = nil
	s.snapshots = nil
	return t
}

// record runs the clock, emits a row when tick closes a window, then folds
// this tick into the new window's accumulators.
func (s *Session) record(t Tick) error {
	tpw, err := s.clock.TicksPerWindow(t.Rate)
	if err != nil {
		return fmt.Errorf("keyframe: tick %d with rate %v: %w", t.Index, t.Rate, err)
	}
	pos := Position(s.startTick, t.Index, tpw)
	if pos == 0 && t.Index > s.startTick {
		s.emit(t)
	}

	l := &s.cfg.Layout
	for i, c := range l.Channels {
		if slot := s.avgSlot[i]; slot >= 0 {
			s.avg.Add(slot, t.Levels[c.Input], tpw)
		}
	}
	for i, w := range l.Waveforms {
		s.waves[i].Process(t.Index, t.Levels[w.Signal], t.Rate, t.Levels[w.Pitch], tpw, pos)
	}
	return nil
}

func (s *Session) emit(t Tick) {
	l := &s.cfg.Layout
	row := make([]float64, len(l.Channels))
	for i, c := range l.Channels {
		if slot := s.avgSlot[i]; slot >= 0 {
			row[i] = s.avg.Value(slot)
		} else {
			row[i] = t.Levels[c.Input]
		}
	}
	snap := make([][]float64, len(s.waves))
	for i, w := range s.waves {
		snap[i] = w.Bins()
	}
	s.keyframes = append(s.keyframes, row)
	s.snapshots = append(s.snapshots, snap)

	s.avg.Reset()
	if s.cfg.ResetWaveformEachWindow {
		for _, w := range s.waves {
			w.ClearBins()
		}
	}
	s.emitEvent(Event{Kind: EventKeyframe, Tick: t.Index, Rows: len(s.keyframes)})
}

// reset clears both buffers and every accumulator.
func (s *Session) reset() {
	s.keyframes = nil
	s.snapshots = nil
	s.avg.Reset()
	for _, w := range s.waves {
		w.Reset()
	}
}

func (s *Session) emitEvent(e Event) {
	if s.observe != nil {
		s.observe(e)
	}
}
