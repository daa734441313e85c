// Package config defines the runtime configuration for a pulse agent
// and a Loader that reads it from disk, keeps the last good copy, and
// optionally watches the file for changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full agent configuration. One value is built at
// startup and handed to each component constructor; nothing reads
// ambient process state after that.
type Config struct {
	AgentID string `json:"agent_id" yaml:"agent_id"`
	Persona string `json:"persona" yaml:"persona"`

	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Attention AttentionConfig `json:"attention" yaml:"attention"`
	Model     ModelConfig     `json:"model" yaml:"model"`
	Reverie   ReverieConfig   `json:"reverie" yaml:"reverie"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// HeartbeatConfig tunes the scheduler loop.
type HeartbeatConfig struct {
	// Interval between unsolicited beats. External input wakes the
	// loop earlier.
	Interval Duration `json:"interval" yaml:"interval"`
	// MaxMissed is the consecutive-failure threshold that escalates
	// the scheduler to its error state.
	MaxMissed int `json:"max_missed" yaml:"max_missed"`
	// StopTimeout bounds how long Stop waits for the worker to exit.
	StopTimeout Duration `json:"stop_timeout" yaml:"stop_timeout"`
	// StickyError keeps the error state latched once entered; when
	// false a later fully successful cycle clears it.
	StickyError bool `json:"sticky_error" yaml:"sticky_error"`
}

// MemoryConfig tunes the three memory tiers and their persistence.
type MemoryConfig struct {
	CoreLimit   int    `json:"core_limit" yaml:"core_limit"`
	RecallLimit int    `json:"recall_limit" yaml:"recall_limit"`
	SearchLimit int    `json:"search_limit" yaml:"search_limit"`
	Driver      string `json:"driver" yaml:"driver"`
	Dir         string `json:"dir" yaml:"dir"`
}

// AttentionConfig tunes context assembly.
type AttentionConfig struct {
	WindowTokens int `json:"window_tokens" yaml:"window_tokens"`
	SafetyMargin int `json:"safety_margin" yaml:"safety_margin"`
}

// ModelConfig selects and parameterizes the language-model backend.
type ModelConfig struct {
	Provider  string   `json:"provider" yaml:"provider"`
	Model     string   `json:"model" yaml:"model"`
	APIKey    string   `json:"api_key" yaml:"api_key"`
	BaseURL   string   `json:"base_url" yaml:"base_url"`
	MaxTokens int      `json:"max_tokens" yaml:"max_tokens"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

// ReverieConfig tunes the background thought producer.
type ReverieConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	MinInterval Duration `json:"min_interval" yaml:"min_interval"`
	MaxInterval Duration `json:"max_interval" yaml:"max_interval"`
}

// ServerConfig tunes the HTTP shell.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// TelemetryConfig tunes tracing export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Insecure bool   `json:"insecure" yaml:"insecure"`
}

// LoggingConfig tunes the process logger.
type LoggingConfig struct {
	Level    string `json:"level" yaml:"level"`
	Encoding string `json:"encoding" yaml:"encoding"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		AgentID: "pulse_main",
		Heartbeat: HeartbeatConfig{
			Interval:    Duration(60 * time.Second),
			MaxMissed:   3,
			StopTimeout: Duration(5 * time.Second),
		},
		Memory: MemoryConfig{
			CoreLimit:   2048,
			RecallLimit: 100,
			SearchLimit: 50,
			Driver:      "badger",
			Dir:         "~/.pulse",
		},
		Attention: AttentionConfig{
			WindowTokens: 4096,
			SafetyMargin: 500,
		},
		Model: ModelConfig{
			Provider:  "local",
			Model:     "local-model",
			BaseURL:   "http://127.0.0.1:8080",
			MaxTokens: 1024,
			Timeout:   Duration(120 * time.Second),
		},
		Reverie: ReverieConfig{
			MinInterval: Duration(45 * time.Second),
			MaxInterval: Duration(90 * time.Second),
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7860,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Normalize trims free-text fields and fills zero values from the
// defaults so partial files behave predictably.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	def := Default()
	c.AgentID = strings.TrimSpace(c.AgentID)
	if c.AgentID == "" {
		c.AgentID = def.AgentID
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if c.Heartbeat.MaxMissed <= 0 {
		c.Heartbeat.MaxMissed = def.Heartbeat.MaxMissed
	}
	if c.Heartbeat.StopTimeout <= 0 {
		c.Heartbeat.StopTimeout = def.Heartbeat.StopTimeout
	}
	if c.Memory.CoreLimit <= 0 {
		c.Memory.CoreLimit = def.Memory.CoreLimit
	}
	if c.Memory.RecallLimit <= 0 {
		c.Memory.RecallLimit = def.Memory.RecallLimit
	}
	if c.Memory.SearchLimit <= 0 {
		c.Memory.SearchLimit = def.Memory.SearchLimit
	}
	c.Memory.Driver = strings.ToLower(strings.TrimSpace(c.Memory.Driver))
	if c.Memory.Driver == "" {
		c.Memory.Driver = def.Memory.Driver
	}
	if strings.TrimSpace(c.Memory.Dir) == "" {
		c.Memory.Dir = def.Memory.Dir
	}
	c.Memory.Dir = ExpandHome(c.Memory.Dir)
	if c.Attention.WindowTokens <= 0 {
		c.Attention.WindowTokens = def.Attention.WindowTokens
	}
	if c.Attention.SafetyMargin <= 0 {
		c.Attention.SafetyMargin = def.Attention.SafetyMargin
	}
	c.Model.Provider = strings.ToLower(strings.TrimSpace(c.Model.Provider))
	if c.Model.Provider == "" {
		c.Model.Provider = def.Model.Provider
	}
	c.Model.Model = strings.TrimSpace(c.Model.Model)
	if c.Model.Model == "" {
		c.Model.Model = def.Model.Model
	}
	c.Model.APIKey = strings.TrimSpace(c.Model.APIKey)
	c.Model.BaseURL = strings.TrimSpace(c.Model.BaseURL)
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = def.Model.BaseURL
	}
	if c.Model.MaxTokens <= 0 {
		c.Model.MaxTokens = def.Model.MaxTokens
	}
	if c.Model.Timeout <= 0 {
		c.Model.Timeout = def.Model.Timeout
	}
	if c.Reverie.MinInterval <= 0 {
		c.Reverie.MinInterval = def.Reverie.MinInterval
	}
	if c.Reverie.MaxInterval <= 0 {
		c.Reverie.MaxInterval = def.Reverie.MaxInterval
	}
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	c.Telemetry.Endpoint = strings.TrimSpace(c.Telemetry.Endpoint)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	c.Logging.Encoding = strings.ToLower(strings.TrimSpace(c.Logging.Encoding))
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = def.Logging.Encoding
	}
}

var validDrivers = map[string]struct{}{"badger": {}, "file": {}}

var validLevels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	if c.Heartbeat.MaxMissed < 1 {
		return errors.New("config: heartbeat.max_missed must be >= 1")
	}
	if _, ok := validDrivers[c.Memory.Driver]; !ok {
		return fmt.Errorf("config: unknown memory driver %q", c.Memory.Driver)
	}
	if c.Attention.WindowTokens <= c.Attention.SafetyMargin {
		return fmt.Errorf("config: attention.window_tokens %d must exceed safety_margin %d",
			c.Attention.WindowTokens, c.Attention.SafetyMargin)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Reverie.Enabled && c.Reverie.MaxInterval < c.Reverie.MinInterval {
		return errors.New("config: reverie.max_interval must be >= min_interval")
	}
	if _, ok := validLevels[c.Logging.Level]; !ok {
		return fmt.Errorf("config: unknown logging level %q", c.Logging.Level)
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("config: unknown logging encoding %q", c.Logging.Encoding)
	}
	return nil
}

// ExpandHome resolves a leading ~ against the user home directory.
// Paths it cannot resolve are returned untouched.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Duration is a time.Duration that unmarshals from "90s"-style strings
// in both YAML and JSON, and from bare integers meaning seconds.
type Duration time.Duration

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts "90s" strings or integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON renders the duration in time.Duration notation.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "90s" strings or integer seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func parseDuration(raw any) (Duration, error) {
	switch v := raw.(type) {
	case string:
		dur, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("config: parse duration %q: %w", v, err)
		}
		return Duration(dur), nil
	case int:
		return Duration(time.Duration(v) * time.Second), nil
	case int64:
		return Duration(time.Duration(v) * time.Second), nil
	case float64:
		return Duration(time.Duration(v * float64(time.Second))), nil
	default:
		return 0, fmt.Errorf("config: unsupported duration value %v", raw)
	}
}
