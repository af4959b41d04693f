package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/tokeyframes/internal/config"
	"github.com/MrWong99/tokeyframes/pkg/keyframe"
)

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Recorder.KeyframeRate != 24 {
		t.Errorf("keyframe_rate = %v, want 24", cfg.Recorder.KeyframeRate)
	}
	if cfg.Recorder.WaveformResolution != 64 {
		t.Errorf("waveform_resolution = %d, want 64", cfg.Recorder.WaveformResolution)
	}
	if cfg.Recorder.BaseFrequency != 220 {
		t.Errorf("base_frequency = %v, want 220", cfg.Recorder.BaseFrequency)
	}
	if cfg.Recorder.PitchOffset == nil || *cfg.Recorder.PitchOffset != 0.25 {
		t.Errorf("pitch_offset = %v, want 0.25", cfg.Recorder.PitchOffset)
	}
	if cfg.Layout == nil || cfg.Layout.Arity() != 26 {
		t.Errorf("layout should default to the 26-input panel, got %+v", cfg.Layout)
	}
	if cfg.Output.Dir != config.DefaultOutputDir {
		t.Errorf("output.dir = %q, want %q", cfg.Output.Dir, config.DefaultOutputDir)
	}
}

func TestLoadFromReader_FullDocument(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9000"
  log_level: debug
recorder:
  keyframe_rate: 30
  waveform_resolution: 32
  base_frequency: 440
  pitch_offset: 0
  reset_waveform_each_window: true
layout:
  start: 0
  abort: 1
  save: 2
  channels:
    - { input: 3, name: x }
    - { input: 4, averaged: true, name: y }
  waveforms:
    - { signal: 5, pitch: 6, name: osc }
output:
  dir: /var/takes
  postgres_dsn: postgres://localhost/takes
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sc := cfg.SessionConfig()
	if sc.KeyframeRate != 30 {
		t.Errorf("KeyframeRate = %v, want 30", sc.KeyframeRate)
	}
	want := keyframe.WaveformConfig{Resolution: 32, BaseFrequency: 440, PitchOffset: 0}
	if sc.Waveform != want {
		t.Errorf("Waveform = %+v, want %+v", sc.Waveform, want)
	}
	if !sc.ResetWaveformEachWindow {
		t.Error("ResetWaveformEachWindow should be true")
	}
	if len(sc.Layout.Channels) != 2 || !sc.Layout.Channels[1].Averaged {
		t.Errorf("Layout.Channels = %+v", sc.Layout.Channels)
	}
	if sc.Layout.Arity() != 7 {
		t.Errorf("Arity = %d, want 7", sc.Layout.Arity())
	}
	if cfg.Output.PostgresDSN == "" {
		t.Error("postgres_dsn should be kept")
	}
}

func TestLoadFromReader_SessionConfigAcceptedBySession(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	s, err := keyframe.NewSession(cfg.SessionConfig(), nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.Arity() != 26 {
		t.Errorf("Arity = %d, want 26", s.Arity())
	}
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{"invalid log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"negative keyframe rate", "recorder:\n  keyframe_rate: -1\n", "recorder.keyframe_rate"},
		{"negative resolution", "recorder:\n  waveform_resolution: -64\n", "recorder.waveform_resolution"},
		{"negative base frequency", "recorder:\n  base_frequency: -220\n", "recorder.base_frequency"},
		{"infinite keyframe rate", "recorder:\n  keyframe_rate: .inf\n", "recorder.keyframe_rate"},
		{"half-configured tls", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"duplicate layout input", `
layout:
  start: 0
  abort: 0
  save: 1
  channels: [{input: 2}]
`, "already used"},
		{"unknown field", "recorder:\n  keyframes_per_second: 24\n", "keyframes_per_second"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("error should mention %q, got: %v", tc.wantMsg, err)
			}
		})
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
recorder:
  keyframe_rate: -1
  waveform_resolution: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "recorder.keyframe_rate", "recorder.waveform_resolution"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestLoad_FileErrors(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("output:\n  dir: /data\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Output.Dir != "/data" {
		t.Errorf("output.dir = %q, want /data", cfg.Output.Dir)
	}
}
