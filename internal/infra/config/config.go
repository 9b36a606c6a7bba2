// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Control   ControlConfig         `yaml:"control"`
	Audio     AudioConfig           `yaml:"audio"`
	Playback  PlaybackConfig        `yaml:"playback"`
	Session   SessionConfig         `yaml:"session"`
	Upload    UploadConfig          `yaml:"upload"`
	Placement map[string]RuleConfig `yaml:"placement"`
}

// ServerConfig represents server configuration.
type ServerConfig struct {
	Addr  string      `yaml:"addr" default:":8080"`
	Hooks HooksConfig `yaml:"hooks"`
}

// HooksConfig represents lifecycle hooks configuration.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// ControlConfig represents access control for mutating RPCs.
type ControlConfig struct {
	Token string `yaml:"token" validate:"required"`
}

// AudioConfig represents the output device configuration.
type AudioConfig struct {
	SampleRate int     `yaml:"sample_rate" default:"44100" validate:"gte=8000,lte=192000"`
	BufferMs   int     `yaml:"buffer_ms" default:"100" validate:"gte=10,lte=1000"`
	Output     string  `yaml:"output" default:"speaker" validate:"oneof=speaker headless"`
	Volume     float64 `yaml:"volume" default:"1" validate:"gte=0,lte=1"`
}

// PlaybackConfig represents playback control configuration.
type PlaybackConfig struct {
	TrackerIntervalMs int     `yaml:"tracker_interval_ms" default:"16" validate:"gte=1,lte=1000"`
	DefaultRate       float64 `yaml:"default_rate" default:"1" validate:"gt=0,lte=16"`
	PositionEventMs   int     `yaml:"position_event_ms" default:"250" validate:"gte=10,lte=10000"`
}

// SessionConfig represents the initial session layout.
type SessionConfig struct {
	InitialTracks int `yaml:"initial_tracks" default:"1" validate:"gte=1,lte=64"`
}

// UploadConfig represents upload/decode configuration.
type UploadConfig struct {
	MaxParallelDecodes int   `yaml:"max_parallel_decodes" default:"4" validate:"gte=1,lte=64"`
	MaxBytes           int64 `yaml:"max_bytes" default:"104857600" validate:"gte=1"`
}

// RuleConfig represents a placement rule's configuration.
type RuleConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse applies defaults, parses configuration from YAML bytes over them,
// applies environment overrides, then validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	// Set defaults first so explicit zero values in the file (volume: 0) survive
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("TRACKLINE_CONTROL_TOKEN"); v != "" {
		c.Control.Token = v
	}
	if v := os.Getenv("TRACKLINE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TRACKLINE_AUDIO_OUTPUT"); v != "" {
		c.Audio.Output = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	return nil
}

// TrackerInterval returns the position tracker tick interval.
func (p PlaybackConfig) TrackerInterval() time.Duration {
	return time.Duration(p.TrackerIntervalMs) * time.Millisecond
}

// PositionEventInterval returns the minimum spacing between position events.
func (p PlaybackConfig) PositionEventInterval() time.Duration {
	return time.Duration(p.PositionEventMs) * time.Millisecond
}

// Buffer returns the output buffer length.
func (a AudioConfig) Buffer() time.Duration {
	return time.Duration(a.BufferMs) * time.Millisecond
}

// IsRuleEnabled checks if a placement rule is enabled.
func (c *Config) IsRuleEnabled(name string) bool {
	if r, ok := c.Placement[name]; ok {
		return r.Enabled
	}
	return false
}
