package keyframe

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrLayoutMismatch is returned when a tick carries fewer levels than the
// layout addresses.
var ErrLayoutMismatch = errors.New("keyframe: tick levels do not cover layout")

// ChannelSpec describes one column of a keyframe row.
type ChannelSpec struct {
	// Input is the index into [Tick.Levels].
	Input int `yaml:"input"`

	// Averaged selects a running mean over the window instead of the level
	// at the emitting tick.
	Averaged bool `yaml:"averaged"`

	// Name labels the column in logs and the take store. Optional.
	Name string `yaml:"name"`
}

// WaveformSpec pairs a waveform input with its pitch control input.
type WaveformSpec struct {
	Signal int    `yaml:"signal"`
	Pitch  int    `yaml:"pitch"`
	Name   string `yaml:"name"`
}

// Layout maps the host's flat level vector onto logical roles.
type Layout struct {
	Start     int            `yaml:"start"`
	Abort     int            `yaml:"abort"`
	Save      int            `yaml:"save"`
	Channels  []ChannelSpec  `yaml:"channels"`
	Waveforms []WaveformSpec `yaml:"waveforms"`
}

// DefaultLayout is the 26-input panel: start, abort and save gates, five
// waveform inputs followed by their five V/oct inputs, then thirteen row
// channels of which 9 through 12 are averaged.
func DefaultLayout() Layout {
	l := Layout{Start: 0, Abort: 1, Save: 2}
	for i := range 5 {
		l.Waveforms = append(l.Waveforms, WaveformSpec{
			Signal: 3 + i,
			Pitch:  8 + i,
			Name:   "wave_" + strconv.Itoa(i),
		})
	}
	for i := range 13 {
		n := i + 1
		l.Channels = append(l.Channels, ChannelSpec{
			Input:    13 + i,
			Averaged: n >= 9 && n <= 12,
			Name:     "input_" + strconv.Itoa(n),
		})
	}
	return l
}

// Arity returns the minimum number of levels a tick must carry.
func (l Layout) Arity() int {
	hi := max(l.Start, l.Abort, l.Save)
	for _, c := range l.Channels {
		hi = max(hi, c.Input)
	}
	for _, w := range l.Waveforms {
		hi = max(hi, w.Signal, w.Pitch)
	}
	return hi + 1
}

// Columns returns the column names in row order. Unnamed channels are
// called channel_<n>.
func (l Layout) Columns() []string {
	out := make([]string, len(l.Channels))
	for i, c := range l.Channels {
		out[i] = c.Name
		if out[i] == "" {
			out[i] = "channel_" + strconv.Itoa(i)
		}
	}
	return out
}

// Validate rejects negative indices and inputs bound to more than one role.
// Several waveforms may share one pitch input.
func (l Layout) Validate() error {
	var errs []error
	seen := make(map[int]string)
	claim := func(idx int, role string) {
		if idx < 0 {
			errs = append(errs, fmt.Errorf("%s: negative input index %d", role, idx))
			return
		}
		if prev, ok := seen[idx]; ok {
			errs = append(errs, fmt.Errorf("%s: input %d already used by %s", role, idx, prev))
			return
		}
		seen[idx] = role
	}

	claim(l.Start, "start")
	claim(l.Abort, "abort")
	claim(l.Save, "save")
	for i, c := range l.Channels {
		claim(c.Input, fmt.Sprintf("channels[%d]", i))
	}
	pitches := make(map[int]bool)
	for i, w := range l.Waveforms {
		claim(w.Signal, fmt.Sprintf("waveforms[%d].signal", i))
		if pitches[w.Pitch] {
			continue
		}
		pitches[w.Pitch] = true
		claim(w.Pitch, fmt.Sprintf("waveforms[%d].pitch", i))
	}
	if len(l.Channels) == 0 && len(l.Waveforms) == 0 {
		errs = append(errs, errors.New("layout records no channels"))
	}
	return errors.Join(errs...)
}
