// Package config provides the configuration schema and loader for the
// tokeyframes recorder.
package config

import "github.com/MrWong99/tokeyframes/pkg/keyframe"

// LogLevel controls log verbosity for the recorder.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr         = ":8090"
	DefaultOutputDir          = "./takes"
	DefaultWaveformResolution = keyframe.DefaultWaveformResolution
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Recorder RecorderConfig `yaml:"recorder"`

	// Layout maps host inputs to roles. When omitted the 26-input default
	// panel is used.
	Layout *keyframe.Layout `yaml:"layout"`

	Output OutputConfig `yaml:"output"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RecorderConfig tunes the keyframe session.
type RecorderConfig struct {
	// KeyframeRate is the number of keyframe windows per second.
	KeyframeRate float64 `yaml:"keyframe_rate"`

	// WaveformResolution is the number of bins per waveform snapshot.
	WaveformResolution int `yaml:"waveform_resolution"`

	// BaseFrequency is the oscillator frequency in Hz at pitch 0 before the
	// pitch offset is applied.
	BaseFrequency float64 `yaml:"base_frequency"`

	// PitchOffset is added to every pitch input, in octaves. A nil value
	// selects 0.25, which places 0 V on C4 together with the 220 Hz base.
	PitchOffset *float64 `yaml:"pitch_offset"`

	// ResetWaveformEachWindow zeroes waveform bins after every row.
	ResetWaveformEachWindow bool `yaml:"reset_waveform_each_window"`
}

// OutputConfig selects where finished takes are written.
type OutputConfig struct {
	// Dir is the directory receiving keyframes.csv and the waveform files.
	// It is read when a save edge fires, so edits to a watched config file
	// apply to the next take.
	Dir string `yaml:"dir"`

	// PostgresDSN, when set, additionally stores every take in PostgreSQL.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ApplyDefaults fills unset fields with their defaults. Fields that were set
// explicitly, even to invalid values, are left for [Validate] to report.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Recorder.KeyframeRate == 0 {
		c.Recorder.KeyframeRate = keyframe.DefaultKeyframeRate
	}
	if c.Recorder.WaveformResolution == 0 {
		c.Recorder.WaveformResolution = DefaultWaveformResolution
	}
	if c.Recorder.BaseFrequency == 0 {
		c.Recorder.BaseFrequency = keyframe.DefaultBaseFrequency
	}
	if c.Recorder.PitchOffset == nil {
		off := keyframe.DefaultPitchOffset
		c.Recorder.PitchOffset = &off
	}
	if c.Layout == nil {
		l := keyframe.DefaultLayout()
		c.Layout = &l
	}
	if c.Output.Dir == "" {
		c.Output.Dir = DefaultOutputDir
	}
}

// SessionConfig converts the recorder section into a [keyframe.Config].
// Call [Config.ApplyDefaults] first.
func (c *Config) SessionConfig() keyframe.Config {
	sc := keyframe.Config{
		KeyframeRate: c.Recorder.KeyframeRate,
		Waveform: keyframe.WaveformConfig{
			Resolution:    c.Recorder.WaveformResolution,
			BaseFrequency: c.Recorder.BaseFrequency,
		},
		ResetWaveformEachWindow: c.Recorder.ResetWaveformEachWindow,
	}
	if c.Recorder.PitchOffset != nil {
		sc.Waveform.PitchOffset = *c.Recorder.PitchOffset
	}
	if c.Layout != nil {
		sc.Layout = *c.Layout
	}
	return sc
}
