package keyframe

import (
	"errors"
	"math"
)

// ErrInvalidRate is returned when a tick rate / keyframe rate pair cannot
// produce a window of at least one tick.
var ErrInvalidRate = errors.New("keyframe: rate yields an empty keyframe window")

// Clock converts a live tick rate and an absolute tick counter into a
// position inside the current keyframe window.
//
// The window length is recomputed on every call so that a host changing its
// sample rate mid-recording is tolerated; the window simply changes length
// from that tick on.
type Clock struct {
	// KeyframeRate is the number of keyframe windows per second.
	KeyframeRate float64
}

// TicksPerWindow returns floor(tickRate / KeyframeRate). It returns
// [ErrInvalidRate] when either rate is not a positive finite number or when
// the quotient is smaller than one tick.
func (c Clock) TicksPerWindow(tickRate float64) (int64, error) {
	if !validRate(tickRate) || !validRate(c.KeyframeRate) {
		return 0, ErrInvalidRate
	}
	n := math.Floor(tickRate / c.KeyframeRate)
	if n < 1 || n > math.MaxInt64 {
		return 0, ErrInvalidRate
	}
	return int64(n), nil
}

// Position returns (current - start) mod ticksPerWindow, always in
// [0, ticksPerWindow). ticksPerWindow must be positive.
func Position(start, current, ticksPerWindow int64) int64 {
	p := (current - start) % ticksPerWindow
	if p < 0 {
		p += ticksPerWindow
	}
	return p
}

// IsBoundary reports whether current closes a keyframe window. The start tick
// itself is position zero as well but opens window 0 and never emits.
func IsBoundary(start, current, ticksPerWindow int64) bool {
	return current > start && Position(start, current, ticksPerWindow) == 0
}

func validRate(r float64) bool {
	return r > 0 && !math.IsInf(r, 0) && !math.IsNaN(r)
}
