// Package config loads the strand configuration from YAML with environment
// overrides applied after the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/policy"
	"github.com/strandlabs/strand/internal/session"
)

// Config is the full strand configuration.
type Config struct {
	API     APIConfig               `yaml:"api"`
	Mode    string                  `yaml:"mode"`
	Output  OutputConfig            `yaml:"output"`
	Bridge  BridgeConfig            `yaml:"bridge"`
	Runtime RuntimeConfig           `yaml:"runtime"`
	Logging observability.LogConfig `yaml:"logging"`
	Metrics MetricsConfig           `yaml:"metrics"`
}

// APIConfig locates the primary tool server.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// OutputConfig controls where tools place artifacts.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// BridgeConfig tunes per-connection dispatch loops.
type BridgeConfig struct {
	// CallTimeout bounds each invoked call unless the caller overrides it.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// QueueDepth bounds each loop's pending-call queue.
	QueueDepth int `yaml:"queue_depth"`
}

// RuntimeConfig tunes the dispatcher.
type RuntimeConfig struct {
	// Concurrency bounds simultaneous tool bodies.
	Concurrency int `yaml:"concurrency"`

	// ChunkBuffer sizes each invocation's response stream.
	ChunkBuffer int `yaml:"chunk_buffer"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Mode: string(policy.ModeReadOnly),
		API: APIConfig{
			Timeout: 30 * time.Second,
		},
		Bridge: BridgeConfig{
			CallTimeout: 60 * time.Second,
			QueueDepth:  64,
		},
		Runtime: RuntimeConfig{
			Concurrency: 8,
			ChunkBuffer: 256,
		},
		Logging: observability.LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
	}
}

// Load reads path (optional) over the defaults and applies environment
// overrides last. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from the process environment.
func (c *Config) applyEnv() {
	if v := os.Getenv(session.EnvBaseURL); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv(session.EnvToken); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv(session.EnvOutputDir); v != "" {
		c.Output.Dir = v
	}
	if v := os.Getenv("STRAND_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("STRAND_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("STRAND_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Runtime.Concurrency = n
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if _, ok := policy.ParseMode(c.Mode); !ok {
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.Bridge.CallTimeout < 0 {
		return fmt.Errorf("bridge call_timeout must not be negative")
	}
	if c.Bridge.QueueDepth < 0 {
		return fmt.Errorf("bridge queue_depth must not be negative")
	}
	if c.Runtime.Concurrency < 0 {
		return fmt.Errorf("runtime concurrency must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics enabled without a listen address")
	}
	return nil
}

// PolicyMode returns the parsed sandbox mode.
func (c *Config) PolicyMode() policy.Mode {
	mode, _ := policy.ParseMode(c.Mode)
	return mode
}

// Session builds the primary session snapshot described by the config. The
// connection and loop are bound separately by the caller.
func (c *Config) Session() *session.Session {
	return &session.Session{
		Credentials: session.Credentials{
			BaseURL: c.API.BaseURL,
			Token:   c.API.Token,
		},
		Mode:      c.PolicyMode(),
		OutputDir: c.Output.Dir,
	}
}
