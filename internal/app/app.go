// Package app wires all tokeyframes subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and processes ticks, and Shutdown drains
// pending takes and tears everything down in order.
//
// For testing, inject doubles via functional options (WithOutputDir,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tokeyframes/internal/config"
	"github.com/MrWong99/tokeyframes/internal/flush"
	"github.com/MrWong99/tokeyframes/internal/health"
	"github.com/MrWong99/tokeyframes/internal/observe"
	"github.com/MrWong99/tokeyframes/internal/source"
	"github.com/MrWong99/tokeyframes/internal/store/postgres"
)

// shutdownGrace bounds how long in-flight HTTP requests may run once Run's
// context is cancelled.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics
	promh   http.Handler
	dir     func() string

	// Subsystems, built in New and closed in Shutdown.
	store      *postgres.Store
	sinks      []flush.Sink
	dispatcher *flush.Dispatcher
	runner     *source.Runner
	handler    http.Handler

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger used by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served on /metrics. Default:
// promhttp.Handler() on the default Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promh = h }
}

// WithOutputDir makes every save resolve its directory through dir instead
// of the static config value. main passes the config watcher here.
func WithOutputDir(dir func() string) Option {
	return func(a *App) { a.dir = dir }
}

// WithSinks replaces the take sinks built from the config.
func WithSinks(sinks ...flush.Sink) Option {
	return func(a *App) { a.sinks = sinks }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already be
// validated. New connects to PostgreSQL when output.postgres_dsn is set.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.promh == nil {
		a.promh = promhttp.Handler()
	}
	if a.dir == nil {
		dir := cfg.Output.Dir
		a.dir = func() string { return dir }
	}

	// ── 1. Take sinks ────────────────────────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 2. Flush dispatcher ──────────────────────────────────────────────
	a.dispatcher = flush.NewDispatcher(a.dir, a.sinks,
		flush.WithLogger(a.log),
		flush.WithMetrics(a.metrics),
	)

	// ── 3. Session runner ────────────────────────────────────────────────
	r, err := source.NewRunner(cfg.SessionConfig(), a.dispatcher,
		source.WithLogger(a.log),
		source.WithMetrics(a.metrics),
	)
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("app: init runner: %w", err)
	}
	a.runner = r

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSinks builds the CSV directory sink and, when configured, the
// PostgreSQL store behind a circuit breaker.
func (a *App) initSinks(ctx context.Context) error {
	if a.sinks != nil {
		return nil
	}
	a.sinks = []flush.Sink{&flush.DirSink{}}

	dsn := a.cfg.Output.PostgresDSN
	if dsn == "" {
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn, a.cfg.Recorder.WaveformResolution)
	if err != nil {
		return err
	}
	a.store = store
	a.sinks = append(a.sinks, flush.WithBreaker(store, flush.BreakerConfig{Logger: a.log}))
	a.log.Info("postgres take store connected", "resolution", a.cfg.Recorder.WaveformResolution)
	return nil
}

func (a *App) routes() http.Handler {
	checkers := []health.Checker{health.DirWritable("output_dir", a.dir)}
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.store.Ping, Optional: true})
	}

	mux := http.NewServeMux()
	health.New(checkers).Register(mux)
	mux.Handle("GET /metrics", a.promh)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.Handle("GET /ticks", source.Handler(a.runner, a.log))
	if a.store != nil {
		mux.HandleFunc("POST /waveforms/similar", a.handleSimilar)
	}
	return observe.Middleware(a.metrics, observe.WithRequestLogger(a.log))(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler with all routes and middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Runner returns the session runner.
func (a *App) Runner() *source.Runner { return a.runner }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured listen address and processes ticks until
// ctx is cancelled. A cancelled context is not an error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runner.Run(gctx)
	})
	g.Go(func() error {
		a.log.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Render streams the WAV file at path through a private run of the session
// runner. It does not serve HTTP, and an App used for Render cannot also Run.
// Takes saved during the render are flushed before Shutdown returns.
func (a *App) Render(ctx context.Context, path string, opts source.WAVOptions) (source.WAVResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return source.WAVResult{}, fmt.Errorf("app: render: %w", err)
	}
	defer f.Close()

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.runner.Run(rctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	res, err := source.RenderWAV(ctx, a.runner, f, opts)
	if err != nil {
		return res, fmt.Errorf("app: render %s: %w", path, err)
	}
	a.log.Info("render finished",
		"path", path,
		"sample_rate", res.SampleRate,
		"channels", res.Channels,
		"frames", res.Frames,
		"autosaved", res.AutoSaved,
	)
	return res, nil
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.runner.Status())
}

// similarRequest is the body of POST /waveforms/similar. A nil Channel
// searches every waveform channel.
type similarRequest struct {
	Channel *int      `json:"channel"`
	Bins    []float64 `json:"bins"`
	K       int       `json:"k"`
}

const defaultSimilarK = 5

func (a *App) handleSimilar(w http.ResponseWriter, r *http.Request) {
	var req similarRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if len(req.Bins) != a.cfg.Recorder.WaveformResolution {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: fmt.Sprintf("bins must have %d values, got %d", a.cfg.Recorder.WaveformResolution, len(req.Bins)),
		})
		return
	}
	channel := -1
	if req.Channel != nil {
		channel = *req.Channel
	}
	k := req.K
	if k <= 0 {
		k = defaultSimilarK
	}

	matches, err := a.store.SimilarWaveforms(r.Context(), channel, req.Bins, k)
	if err != nil {
		observe.WithTrace(r.Context(), a.log).Error("similar waveforms query failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown waits for pending takes to reach every sink, then closes the
// store. It respects the context deadline: takes still in flight when ctx
// expires are abandoned and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		if err := a.dispatcher.Close(ctx); err != nil {
			a.log.Warn("pending takes not flushed", "err", err)
			shutdownErr = err
		}
		a.closeStore()
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeStore() {
	if a.store != nil {
		a.store.Close()
	}
}
