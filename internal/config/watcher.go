package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how often [Watcher.Run] looks at the file.
const DefaultPollInterval = 5 * time.Second

// Watcher keeps the latest valid [Config] from a file. Readers on any
// goroutine see it through [Watcher.Current]; the flush path asks for the
// output directory at the moment a take is saved.
//
// A file that fails to parse or validate is reported and otherwise ignored,
// so a half-written edit never replaces a working config.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	current atomic.Pointer[Config]

	// reloadMu serialises Reload calls from Run and from callers such as a
	// SIGHUP handler.
	reloadMu sync.Mutex
	modTime  time.Time
	size     int64
	sum      [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultPollInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads the file at path. It fails when the initial load fails.
// onChange, when not nil, runs after every reload that produced a different
// valid config. Call [Watcher.Run] to start polling.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}

	info, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %s: %w", path, err)
	}
	w.current.Store(cfg)
	w.remember(info, data)
	return w, nil
}

// Current returns the latest valid config. The returned value must not be
// modified.
func (w *Watcher) Current() *Config { return w.current.Load() }

// OutputDir returns the output directory of the latest valid config.
func (w *Watcher) OutputDir() string { return w.Current().Output.Dir }

// Run polls the file until ctx is done and returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := w.Reload(); err != nil {
				w.log.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload reads the file now. It reports whether a new config took effect.
// A file whose size and modification time are unchanged is not read again,
// and a rewrite with identical content is not a change.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	info, err := os.Stat(w.path)
	if err != nil {
		w.reloadMu.Unlock()
		return false, err
	}
	if info.ModTime().Equal(w.modTime) && info.Size() == w.size {
		w.reloadMu.Unlock()
		return false, nil
	}
	info, data, err := w.read()
	if err != nil {
		w.reloadMu.Unlock()
		return false, err
	}
	if sha256.Sum256(data) == w.sum {
		w.remember(info, data)
		w.reloadMu.Unlock()
		return false, nil
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.reloadMu.Unlock()
		return false, err
	}
	w.remember(info, data)
	old := w.current.Swap(cfg)
	w.reloadMu.Unlock()

	w.log.Info("config reloaded", "path", w.path, "output_dir", cfg.Output.Dir, "log_level", cfg.Server.LogLevel)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() (os.FileInfo, []byte, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, nil, err
	}
	return info, data, nil
}

// remember must be called with reloadMu held, or before the watcher is shared.
func (w *Watcher) remember(info os.FileInfo, data []byte) {
	w.modTime = info.ModTime()
	w.size = info.Size()
	w.sum = sha256.Sum256(data)
}
