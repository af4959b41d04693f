package keyframe

// Take is the finished product of one recording session, handed off by value
// on a save edge. Once handed off, nothing in the [Session] refers to its
// slices any more; a new recording can start immediately without touching it.
type Take struct {
	// StartTick is the absolute tick on which recording started.
	StartTick int64

	// EndTick is the tick on which the save edge fired.
	EndTick int64

	// KeyframeRate is the configured number of windows per second.
	KeyframeRate float64

	// Resolution is the number of bins in each waveform capture.
	Resolution int

	// Columns names the keyframe row columns in order.
	Columns []string

	// WaveformNames names the waveform channels in order.
	WaveformNames []string

	// Keyframes holds one row per window.
	Keyframes [][]float64

	// Snapshots holds one waveform snapshot per window, indexed
	// [window][waveform channel][bin].
	Snapshots [][][]float64
}

// Len returns the number of recorded windows.
func (t Take) Len() int { return len(t.Keyframes) }

// WaveformRows returns the per-window rows for waveform channel ch: each row
// is that channel's captured bins for one window.
func (t Take) WaveformRows(ch int) [][]float64 {
	rows := make([][]float64, 0, len(t.Snapshots))
	for _, snap := range t.Snapshots {
		if ch < len(snap) {
			rows = append(rows, snap[ch])
		}
	}
	return rows
}

// Flusher receives finished takes. Flush is called on the tick path and must
// return without waiting for I/O; completion and failure are not reported
// back to the session.
type Flusher interface {
	Flush(take Take)
}

// FlusherFunc adapts a function to [Flusher].
type FlusherFunc func(Take)

// Flush implements [Flusher].
func (f FlusherFunc) Flush(t Take) { f(t) }
