package keyframe

import (
	"errors"
	"math"
	"testing"
)

func TestRisingEdge(t *testing.T) {
	t.Parallel()
	tests := []struct {
		prev, curr float64
		want       bool
	}{
		{0, 1, true},
		{0, 0.001, true},
		{0, 0, false},
		{0, -1, false},
		{0.5, 1, false},
		{1, 0, false},
		{-1, 1, false},
	}
	for _, tc := range tests {
		if got := RisingEdge(tc.prev, tc.curr); got != tc.want {
			t.Errorf("RisingEdge(%v, %v) = %v, want %v", tc.prev, tc.curr, got, tc.want)
		}
	}
}

func TestTrigger_FiresOncePerEdge(t *testing.T) {
	t.Parallel()
	var tr Trigger
	levels := []float64{0, 10, 10, 10, 0, 0, 5, 3, 0, 1}
	want := []bool{false, true, false, false, false, false, true, false, false, true}
	for i, l := range levels {
		if got := tr.Process(l); got != want[i] {
			t.Errorf("step %d (level %v): fired = %v, want %v", i, l, got, want[i])
		}
	}
}

func TestTrigger_Reset(t *testing.T) {
	t.Parallel()
	var tr Trigger
	tr.Process(0)
	tr.Process(5)
	tr.Reset()
	if !tr.Process(5) {
		t.Error("expected edge after Reset")
	}
}

func TestClock_TicksPerWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		tickRate  float64
		keyframes float64
		want      int64
		wantErr   bool
	}{
		{"48k at 24", 48000, 24, 2000, false},
		{"44.1k at 24", 44100, 24, 1837, false},
		{"96k at 30", 96000, 30, 3200, false},
		{"floor of fraction", 100, 3, 33, false},
		{"exactly one tick", 24, 24, 1, false},
		{"rate below keyframe rate", 10, 24, 0, true},
		{"zero tick rate", 0, 24, 0, true},
		{"zero keyframe rate", 48000, 0, 0, true},
		{"negative tick rate", -48000, 24, 0, true},
		{"NaN tick rate", math.NaN(), 24, 0, true},
		{"infinite tick rate", math.Inf(1), 24, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Clock{KeyframeRate: tc.keyframes}.TicksPerWindow(tc.tickRate)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidRate) {
					t.Fatalf("err = %v, want ErrInvalidRate", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("TicksPerWindow = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestPosition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		start, current, tpw, want int64
	}{
		{1000, 1000, 2000, 0},
		{1000, 1001, 2000, 1},
		{1000, 2999, 2000, 1999},
		{1000, 3000, 2000, 0},
		{0, 7, 3, 1},
		{10, 5, 4, 3}, // never negative
	}
	for _, tc := range tests {
		if got := Position(tc.start, tc.current, tc.tpw); got != tc.want {
			t.Errorf("Position(%d, %d, %d) = %d, want %d", tc.start, tc.current, tc.tpw, got, tc.want)
		}
	}
}

func TestIsBoundary_SkipsStartTick(t *testing.T) {
	t.Parallel()
	if IsBoundary(1000, 1000, 2000) {
		t.Error("start tick must not be a boundary")
	}
	if !IsBoundary(1000, 3000, 2000) {
		t.Error("tick 3000 should close window 0")
	}
	if IsBoundary(1000, 2999, 2000) {
		t.Error("tick 2999 is inside window 0")
	}
}

func TestAverager_ConstantInputYieldsConstant(t *testing.T) {
	t.Parallel()
	for _, tpw := range []int64{1, 7, 1837, 2000} {
		a := NewAverager(2)
		for range tpw {
			a.Add(0, 3.0, tpw)
			a.Add(1, -1.25, tpw)
		}
		if got := a.Value(0); math.Abs(got-3.0) > 1e-9 {
			t.Errorf("tpw=%d: channel 0 = %v, want 3.0", tpw, got)
		}
		if got := a.Value(1); math.Abs(got+1.25) > 1e-9 {
			t.Errorf("tpw=%d: channel 1 = %v, want -1.25", tpw, got)
		}
		a.Reset()
		if a.Value(0) != 0 || a.Value(1) != 0 {
			t.Errorf("tpw=%d: Reset did not zero accumulators", tpw)
		}
	}
}

func TestAverager_Mean(t *testing.T) {
	t.Parallel()
	a := NewAverager(1)
	for _, v := range []float64{1, 2, 3, 4} {
		a.Add(0, v, 4)
	}
	if got := a.Value(0); math.Abs(got-2.5) > 1e-12 {
		t.Errorf("mean = %v, want 2.5", got)
	}
	if a.Len() != 1 {
		t.Errorf("Len = %d, want 1", a.Len())
	}
}
