package keyframe

// RisingEdge reports whether a gate-like signal went from exactly zero to a
// positive level between two consecutive ticks. It is stateless; the caller
// keeps prev between calls (see [Trigger]).
func RisingEdge(prev, curr float64) bool {
	return prev == 0 && curr > 0
}

// Trigger holds the previous level of one gate signal and reports rising
// edges on it. The zero value is ready to use and treats the signal as
// having been at zero before the first tick.
type Trigger struct {
	prev float64
}

// Process records level as the new previous level and reports whether it
// formed a rising edge with the level seen on the prior call.
func (t *Trigger) Process(level float64) bool {
	fired := RisingEdge(t.prev, level)
	t.prev = level
	return fired
}

// Reset forgets the previous level.
func (t *Trigger) Reset() {
	t.prev = 0
}
