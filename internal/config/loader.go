package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, fills defaults and validates the
// result. Unknown keys are errors. An empty document is the default
// configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem in cfg as one joined error.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Recorder
	rec := cfg.Recorder
	if !positiveFinite(rec.KeyframeRate) {
		errs = append(errs, fmt.Errorf("recorder.keyframe_rate %v must be a positive finite number", rec.KeyframeRate))
	}
	if rec.WaveformResolution <= 0 {
		errs = append(errs, fmt.Errorf("recorder.waveform_resolution %d must be positive", rec.WaveformResolution))
	}
	if !positiveFinite(rec.BaseFrequency) {
		errs = append(errs, fmt.Errorf("recorder.base_frequency %v must be a positive finite number", rec.BaseFrequency))
	}
	if rec.PitchOffset != nil && (math.IsNaN(*rec.PitchOffset) || math.IsInf(*rec.PitchOffset, 0)) {
		errs = append(errs, fmt.Errorf("recorder.pitch_offset %v must be finite", *rec.PitchOffset))
	}

	// Layout
	if cfg.Layout != nil {
		if err := cfg.Layout.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("layout: %w", err))
		}
	}

	// Output
	if cfg.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is required"))
	}
	if cfg.Output.PostgresDSN == "" {
		slog.Debug("no postgres_dsn, takes go to CSV only")
	}

	return errors.Join(errs...)
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}
