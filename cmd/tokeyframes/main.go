// Command tokeyframes records level signals into keyframe CSV takes.
//
// Without -render it serves the tick WebSocket, health checks and metrics
// until interrupted. With -render it streams one WAV file through the
// recorder and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/tokeyframes/internal/app"
	"github.com/MrWong99/tokeyframes/internal/config"
	"github.com/MrWong99/tokeyframes/internal/observe"
	"github.com/MrWong99/tokeyframes/internal/source"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	renderPath := flag.String("render", "", "render this WAV file through the recorder and exit")
	autosave := flag.Bool("autosave", false, "with -render, save a recording still open at end of file")
	gain := flag.Float64("gain", 10, "with -render, level of a full-scale sample")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level follows the config once it is loaded, and every reload after.
	levelVar := new(slog.LevelVar)
	slog.SetDefault(newLogger(levelVar))

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
	)
	if *renderPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(levelVar, config.Diff(old, new))
		})
		if err == nil {
			cfg = watcher.Current()
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tokeyframes: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tokeyframes: %v\n", err)
		}
		return 1
	}

	levelVar.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("tokeyframes starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"output_dir", cfg.Output.Dir,
		"keyframe_rate", cfg.Recorder.KeyframeRate,
		"inputs", cfg.Layout.Arity(),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if watcher != nil {
		go watchConfig(ctx, watcher)
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler),
	}
	if watcher != nil {
		opts = append(opts, app.WithOutputDir(watcher.OutputDir))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	if *renderPath != "" {
		_, err = application.Render(ctx, *renderPath, source.WAVOptions{Gain: *gain, AutoSave: *autosave})
		if err != nil {
			slog.Error("render failed", "err", err)
			code = 1
		}
	} else {
		slog.Info("server ready, press Ctrl+C to shut down")
		if err := application.Run(ctx); err != nil {
			slog.Error("run error", "err", err)
			code = 1
		}
		slog.Info("shutdown signal received, stopping…")
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// watchConfig polls the config file until ctx is done. SIGHUP forces an
// immediate reload.
func watchConfig(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	go func() { _ = w.Run(ctx) }()
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			switch {
			case err != nil:
				slog.Warn("config reload failed, keeping previous config", "err", err)
			case !changed:
				slog.Info("config unchanged")
			}
		}
	}
}

// applyReload applies the hot-reloadable parts of a config change.
func applyReload(levelVar *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		levelVar.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes ignored until restart", "sections", d.RestartRequired)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
