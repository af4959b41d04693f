package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

// get serves path through a mux with h registered and decodes the report.
func get(t *testing.T, h *Handler, ctx context.Context, path string) (int, Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, rep
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "output_dir", Check: failWith("read-only file system")}})
	code, rep := get(t, h, context.Background(), "/healthz")
	if code != http.StatusOK || rep.Status != StatusOK {
		t.Errorf("healthz = %d %q, want 200 ok", code, rep.Status)
	}
	if len(rep.Checks) != 0 {
		t.Errorf("healthz ran checks: %v", rep.Checks)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "output_dir", Check: pass},
				{Name: "postgres", Check: pass, Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{"output_dir": StatusOK, "postgres": StatusOK},
		},
		{
			name: "optional failure degrades",
			checkers: []Checker{
				{Name: "output_dir", Check: pass},
				{Name: "postgres", Check: failWith("connection refused"), Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: map[string]string{"output_dir": StatusOK, "postgres": StatusFail},
		},
		{
			name: "required failure fails",
			checkers: []Checker{
				{Name: "output_dir", Check: failWith("permission denied")},
				{Name: "postgres", Check: pass, Optional: true},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"output_dir": StatusFail, "postgres": StatusOK},
		},
		{
			name: "required failure outranks optional",
			checkers: []Checker{
				{Name: "postgres", Check: failWith("timeout"), Optional: true},
				{Name: "output_dir", Check: failWith("disk full")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"output_dir": StatusFail, "postgres": StatusFail},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, rep := get(t, New(tc.checkers), context.Background(), "/readyz")
			if code != tc.wantCode || rep.Status != tc.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, rep.Status, tc.wantCode, tc.wantStatus)
			}
			for name, want := range tc.wantChecks {
				if got := rep.Checks[name].Status; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestCheck_ReportsErrorText(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "postgres", Check: failWith("connection refused"), Optional: true}})
	rep := h.Check(context.Background())
	if got := rep.Checks["postgres"].Error; got != "connection refused" {
		t.Errorf("error = %q", got)
	}
	if rep.Checks["postgres"].LatencyMS < 0 {
		t.Error("negative latency")
	}
}

func TestCheck_TimeoutBoundsSlowChecker(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "postgres", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	rep := h.Check(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Check took %v", elapsed)
	}
	if rep.Status != StatusFail || rep.Checks["postgres"].Error != context.DeadlineExceeded.Error() {
		t.Errorf("report = %+v", rep)
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "output_dir", Check: func(ctx context.Context) error { return ctx.Err() }}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code, _ := get(t, h, ctx, "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", code)
	}
}

func TestCheck_RunsConcurrently(t *testing.T) {
	t.Parallel()
	// Each checker waits for the other; sequential evaluation would time out.
	a, b := make(chan struct{}), make(chan struct{})
	waitFor := func(self, other chan struct{}) func(context.Context) error {
		return func(ctx context.Context) error {
			close(self)
			select {
			case <-other:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	h := New([]Checker{
		{Name: "a", Check: waitFor(a, b)},
		{Name: "b", Check: waitFor(b, a)},
	}, WithTimeout(2*time.Second))

	if rep := h.Check(context.Background()); rep.Status != StatusOK {
		t.Errorf("report = %+v", rep)
	}
}

func TestDirWritable_FollowsReloadedDir(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	dir := filepath.Join(root, "take-a")
	c := DirWritable("output_dir", func() string { return dir })

	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("first dir: %v", err)
	}
	dir = filepath.Join(root, "take-b", "nested")
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("second dir: %v", err)
	}
	for _, d := range []string{filepath.Join(root, "take-a"), dir} {
		entries, err := os.ReadDir(d)
		if err != nil {
			t.Fatalf("ReadDir %s: %v", d, err)
		}
		if len(entries) != 0 {
			t.Errorf("temp file left in %s: %v", d, entries)
		}
	}
}

func TestDirWritable_Failures(t *testing.T) {
	t.Parallel()
	file := filepath.Join(t.TempDir(), "plain-file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		dir  string
	}{
		{"empty", context.Background(), ""},
		{"regular file", context.Background(), file},
		{"cancelled", cancelled, t.TempDir()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := DirWritable("output_dir", func() string { return tc.dir })
			if err := c.Check(tc.ctx); err == nil {
				t.Error("expected error")
			}
		})
	}
}
