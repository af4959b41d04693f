package keyframe

// Averager accumulates a running mean for a fixed set of slow channels over
// one keyframe window.
//
// Every sample is weighted by 1/ticksPerWindow using the window length known
// at the tick it arrives on. When the tick rate drifts inside a window the
// result is therefore an approximation rather than the exact arithmetic mean.
type Averager struct {
	acc []float64
}

// NewAverager returns an Averager with n zeroed accumulators.
func NewAverager(n int) *Averager {
	return &Averager{acc: make([]float64, n)}
}

// Add folds sample into accumulator i.
func (a *Averager) Add(i int, sample float64, ticksPerWindow int64) {
	a.acc[i] += sample / float64(ticksPerWindow)
}

// Value returns the current value of accumulator i.
func (a *Averager) Value(i int) float64 {
	return a.acc[i]
}

// Len returns the number of accumulators.
func (a *Averager) Len() int {
	return len(a.acc)
}

// Reset zeroes every accumulator.
func (a *Averager) Reset() {
	clear(a.acc)
}
