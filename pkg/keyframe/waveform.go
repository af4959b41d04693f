package keyframe

import "math"

const (
	// DefaultWaveformResolution is the number of bins one captured cycle is
	// reduced to.
	DefaultWaveformResolution = 64

	// DefaultBaseFrequency and DefaultPitchOffset place 0 V on C4
	// (220 Hz * 2^0.25 ≈ 261.63 Hz) in the 1 V/octave convention.
	DefaultBaseFrequency = 220.0
	DefaultPitchOffset   = 0.25

	// maxCycleTicks bounds the cycle length so that bin index arithmetic
	// cannot overflow. Anything longer is treated as "no oscillation".
	maxCycleTicks = 1 << 40
)

// WaveformConfig tunes a [WaveformCapture].
type WaveformConfig struct {
	// Resolution is the number of bins per captured cycle.
	Resolution int

	// BaseFrequency is the frequency in Hz for a pitch control of -PitchOffset.
	BaseFrequency float64

	// PitchOffset is added to the pitch control (in octaves) before the
	// exponential conversion.
	PitchOffset float64
}

// WaveformCapture reduces one oscillation cycle of a waveform channel to a
// fixed number of bins. The cycle is aligned to the channel's own period,
// derived from a companion pitch control, rather than to the keyframe window.
//
// Bins are cleared only when a new cycle begins, so a window in which no
// aligned cycle starts reports the previous cycle again.
type WaveformCapture struct {
	cfg WaveformConfig

	bins   []float64
	counts []int64

	capturing  bool
	cycleStart int64
	cycleLen   int64
	cycles     int64
}

// NewWaveformCapture returns a capture with cfg.Resolution zeroed bins.
// Zero config fields fall back to the package defaults.
func NewWaveformCapture(cfg WaveformConfig) *WaveformCapture {
	if cfg.Resolution <= 0 {
		cfg.Resolution = DefaultWaveformResolution
	}
	if cfg.BaseFrequency <= 0 {
		cfg.BaseFrequency = DefaultBaseFrequency
	}
	return &WaveformCapture{
		cfg:    cfg,
		bins:   make([]float64, cfg.Resolution),
		counts: make([]int64, cfg.Resolution),
	}
}

// Frequency converts an octave-linear pitch control to Hz.
func (w *WaveformCapture) Frequency(pitch float64) float64 {
	return w.cfg.BaseFrequency * math.Exp2(pitch+w.cfg.PitchOffset)
}

// TicksPerCycle returns the real-valued number of ticks in one period of the
// channel at the given pitch.
func (w *WaveformCapture) TicksPerCycle(tickRate, pitch float64) float64 {
	return tickRate / w.Frequency(pitch)
}

// ShouldTrigger decides whether a new cycle capture begins on tick.
//
// The tick must sit on a multiple of the truncated cycle length. When the
// cycle is shorter than the window, only the last cycle that still fits
// wholly before the boundary qualifies: the ticks remaining in the window
// must lie strictly between one and two cycles. When the cycle is at least
// as long as the window, every aligned tick qualifies.
func ShouldTrigger(tick int64, ticksPerCycle float64, ticksPerWindow, pos int64) bool {
	if math.IsNaN(ticksPerCycle) || ticksPerCycle < 1 || ticksPerCycle >= maxCycleTicks {
		return false
	}
	if tick%int64(ticksPerCycle) != 0 {
		return false
	}
	if ticksPerCycle >= float64(ticksPerWindow) {
		return true
	}
	remaining := float64(ticksPerWindow - pos)
	return remaining > ticksPerCycle && remaining < 2*ticksPerCycle
}

// Process feeds one tick of the channel. It reports whether a new cycle
// capture started on this tick.
func (w *WaveformCapture) Process(tick int64, sample, tickRate, pitch float64, ticksPerWindow, pos int64) bool {
	tpc := w.TicksPerCycle(tickRate, pitch)
	started := ShouldTrigger(tick, tpc, ticksPerWindow, pos)
	if started {
		w.begin(tick, int64(tpc))
	}
	if w.capturing {
		w.accumulate(tick, sample)
	}
	return started
}

func (w *WaveformCapture) begin(tick, cycleLen int64) {
	clear(w.bins)
	clear(w.counts)
	w.capturing = true
	w.cycleStart = tick
	w.cycleLen = cycleLen
	w.cycles++
}

// accumulate maps the tick's offset in the cycle onto one or more bins and
// folds the sample into each bin's running mean. Cycles shorter than the
// resolution spread one sample over several bins (nearest sample, no
// interpolation).
func (w *WaveformCapture) accumulate(tick int64, sample float64) {
	o := tick - w.cycleStart
	if o < 0 || o >= w.cycleLen {
		w.capturing = false
		return
	}
	r := int64(len(w.bins))
	lo := o * r / w.cycleLen
	hi := (o + 1) * r / w.cycleLen
	if hi <= lo {
		hi = lo + 1
	}
	for b := lo; b < hi; b++ {
		w.counts[b]++
		w.bins[b] += (sample - w.bins[b]) / float64(w.counts[b])
	}
	if o == w.cycleLen-1 {
		w.capturing = false
	}
}

// Bins returns a copy of the current bin array.
func (w *WaveformCapture) Bins() []float64 {
	out := make([]float64, len(w.bins))
	copy(out, w.bins)
	return out
}

// Capturing reports whether a cycle is currently being captured.
func (w *WaveformCapture) Capturing() bool { return w.capturing }

// Cycles returns the number of captures started since the last [WaveformCapture.Reset].
func (w *WaveformCapture) Cycles() int64 { return w.cycles }

// ClearBins zeroes the bins. A capture in progress keeps running and fills
// the bins for the rest of its cycle.
func (w *WaveformCapture) ClearBins() {
	clear(w.bins)
	clear(w.counts)
}

// Reset zeroes the bins and abandons any capture in progress.
func (w *WaveformCapture) Reset() {
	clear(w.bins)
	clear(w.counts)
	w.capturing = false
	w.cycleStart = 0
	w.cycleLen = 0
	w.cycles = 0
}
