package postgres_test

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/tokeyframes/internal/store/postgres"
	"github.com/MrWong99/tokeyframes/pkg/keyframe"
)

const testResolution = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if TOKEYFRAMES_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TOKEYFRAMES_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TOKEYFRAMES_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS waveform_snapshots CASCADE",
		"DROP TABLE IF EXISTS keyframes CASCADE",
		"DROP TABLE IF EXISTS takes CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn, testResolution)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func testTake(shapes ...[]float64) keyframe.Take {
	tk := keyframe.Take{
		StartTick:     100,
		EndTick:       4200,
		KeyframeRate:  24,
		Resolution:    testResolution,
		Columns:       []string{"a", "b"},
		WaveformNames: []string{"osc"},
	}
	for i, sh := range shapes {
		tk.Keyframes = append(tk.Keyframes, []float64{float64(i), float64(i) / 2})
		tk.Snapshots = append(tk.Snapshots, [][]float64{sh})
	}
	return tk
}

func TestNewStore_RejectsBadResolution(t *testing.T) {
	t.Parallel()
	if _, err := postgres.NewStore(context.Background(), "postgres://unused", 0); err == nil {
		t.Fatal("expected error for zero resolution")
	}
}

func TestStore_SaveTakeRoundTripsKeyframes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	take := testTake([]float64{0, 1, 0, -1}, []float64{1, 1, 1, 1}, []float64{0, 0, 0, 0})
	id, err := store.SaveTake(ctx, "/takes", take)
	if err != nil {
		t.Fatalf("SaveTake: %v", err)
	}

	got, err := store.Keyframes(ctx, id)
	if err != nil {
		t.Fatalf("Keyframes: %v", err)
	}
	if diff := cmp.Diff(take.Keyframes, got); diff != "" {
		t.Errorf("keyframes mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_SimilarWaveforms(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sine := []float64{0, 1, 0, -1}
	flat := []float64{0.5, 0.5, 0.5, 0.5}
	saw := []float64{-1, -0.33, 0.33, 1}
	if err := store.Save(ctx, "", testTake(sine, flat, saw)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	matches, err := store.SimilarWaveforms(ctx, 0, []float64{0, 0.9, 0.1, -1}, 2)
	if err != nil {
		t.Fatalf("SimilarWaveforms: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Window != 0 {
		t.Errorf("closest window = %d, want 0 (the sine)", matches[0].Window)
	}
	if matches[0].Distance > matches[1].Distance {
		t.Errorf("matches not ordered by distance: %v", matches)
	}
	if d := matches[0].Distance; math.Abs(d-math.Sqrt(0.02)) > 1e-4 {
		t.Errorf("distance = %v, want %v", d, math.Sqrt(0.02))
	}

	none, err := store.SimilarWaveforms(ctx, 3, sine, 5)
	if err != nil {
		t.Fatalf("SimilarWaveforms(channel 3): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("channel 3 has no snapshots, got %d matches", len(none))
	}
}

func TestStore_RejectsMismatchedResolution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	take := testTake([]float64{1, 2, 3, 4})
	take.Resolution = 8
	if err := store.Save(ctx, "", take); err == nil {
		t.Error("expected error for take with a different resolution")
	}
	if _, err := store.SimilarWaveforms(ctx, 0, []float64{1, 2}, 1); err == nil {
		t.Error("expected error for query with a different resolution")
	}
}

func TestStore_SaveTakeWithoutWaveforms(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// A layout that records channels only.
	var takes []keyframe.Take
	sess, err := keyframe.NewSession(keyframe.Config{
		KeyframeRate: 10,
		Waveform:     keyframe.WaveformConfig{Resolution: testResolution},
		Layout: keyframe.Layout{
			Start: 0, Abort: 1, Save: 2,
			Channels: []keyframe.ChannelSpec{{Input: 3, Name: "level"}},
		},
	}, keyframe.FlusherFunc(func(tk keyframe.Take) { takes = append(takes, tk) }))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	for i := range 25 {
		levels := []float64{1, 0, 0, float64(i)}
		if i == 24 {
			levels[2] = 1
		}
		if err := sess.Process(keyframe.Tick{Rate: 100, Index: int64(i), Levels: levels}); err != nil {
			t.Fatalf("Process %d: %v", i, err)
		}
	}
	if len(takes) != 1 {
		t.Fatalf("got %d takes, want 1", len(takes))
	}

	id, err := store.SaveTake(ctx, "/takes", takes[0])
	if err != nil {
		t.Fatalf("SaveTake: %v", err)
	}
	got, err := store.Keyframes(ctx, id)
	if err != nil {
		t.Fatalf("Keyframes: %v", err)
	}
	if diff := cmp.Diff([][]float64{{10}, {20}}, got); diff != "" {
		t.Errorf("keyframes mismatch (-want +got):\n%s", diff)
	}

	// A hand-built take with nil name slices stores as well.
	bare := keyframe.Take{KeyframeRate: 24, Resolution: testResolution, Keyframes: [][]float64{{1}}}
	if _, err := store.SaveTake(ctx, "", bare); err != nil {
		t.Fatalf("SaveTake with nil names: %v", err)
	}
}
