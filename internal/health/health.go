// Package health serves the liveness and readiness endpoints of the recorder.
//
// GET /healthz answers 200 while the process runs. GET /readyz runs every
// registered [Checker] and answers with a [Report]: 503 when a required
// check fails, 200 otherwise. A failing optional check only marks the
// report degraded, since takes still reach their CSV files without it.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

// Report and check states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker tests one dependency. Check returns nil when it is usable and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error

	// Optional checks degrade the report instead of failing it.
	Optional bool
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Report is the body of a readiness response.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler runs a fixed set of checkers.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout bounds each check. Default: [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New returns a [Handler] for the given checkers.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.serveLive)
	mux.HandleFunc("GET /readyz", h.serveReady)
}

// Check runs all checkers concurrently and summarises them.
func (h *Handler) Check(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		rep = Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			start := time.Now()
			err := c.Check(cctx)
			cancel()

			res := CheckResult{Status: StatusOK, LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
			if err != nil {
				res.Status, res.Error = StatusFail, err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			switch {
			case err == nil:
			case !c.Optional:
				rep.Status = StatusFail
			case rep.Status == StatusOK:
				rep.Status = StatusDegraded
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func (h *Handler) serveLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

func (h *Handler) serveReady(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// DirWritable passes when the directory dir returns can be created and
// takes a new file. dir is asked on every check so a reloaded output
// directory is the one checked.
func DirWritable(name string, dir func() string) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d := dir()
			if d == "" {
				return errors.New("no directory configured")
			}
			if err := os.MkdirAll(d, 0o755); err != nil {
				return err
			}
			f, err := os.CreateTemp(d, ".readyz-*")
			if err != nil {
				return fmt.Errorf("%s not writable: %w", d, err)
			}
			tmp := f.Name()
			_ = f.Close()
			return os.Remove(tmp)
		},
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
