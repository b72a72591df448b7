// Package config holds all neurotrace configuration: engine behavior,
// inference endpoint settings, trace and interception budgets, session
// storage, and logging. Values come from defaults, an optional YAML
// file, and environment overrides, in that precedence order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Inference InferenceConfig `yaml:"inference"`
	Trace     TraceConfig     `yaml:"trace"`
	Intercept InterceptConfig `yaml:"intercept"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EngineConfig configures the debugger engine.
type EngineConfig struct {
	// Unrestricted disables the import sandbox for monitored scripts.
	Unrestricted bool `yaml:"unrestricted"`
	// DiagramTheme selects the call-graph theme: default, light, dark.
	DiagramTheme string `yaml:"diagram_theme"`
	// DiagramFormat is handed to the external renderer: png or svg.
	DiagramFormat string `yaml:"diagram_format"`
}

// InferenceConfig configures the analysis endpoint exchange.
type InferenceConfig struct {
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	Timeout      string `yaml:"timeout"`
	MaxRetries   int    `yaml:"max_retries"`
	MaxChunkSize int    `yaml:"max_chunk_size"`
	BackoffBase  string `yaml:"backoff_base"`
	SystemPrompt string `yaml:"system_prompt"`
	// Disabled skips the analysis call entirely; reports then carry the
	// raw captured context with an unavailability marker.
	Disabled bool `yaml:"disabled"`
}

// TraceConfig configures the execution tracer.
type TraceConfig struct {
	// Granularity is "function" or "statement".
	Granularity   string `yaml:"granularity"`
	MaxStackDepth int    `yaml:"max_stack_depth"`
}

// InterceptConfig configures log capture.
type InterceptConfig struct {
	MaxRecords int `yaml:"max_records"`
	// Window is how many recent records enter the error context.
	Window  int  `yaml:"window"`
	Verbose bool `yaml:"verbose"`
}

// StoreConfig configures the session archive.
type StoreConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// LoggingConfig configures neurotrace's own logging.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Verbose bool   `yaml:"verbose"`
}

// Default returns the stock configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Engine: EngineConfig{
			DiagramTheme:  "default",
			DiagramFormat: "png",
		},
		Inference: InferenceConfig{
			BaseURL:      "http://localhost:11434",
			Model:        "phi4",
			Timeout:      "60s",
			MaxRetries:   3,
			MaxChunkSize: 4096,
			BackoffBase:  "500ms",
		},
		Trace: TraceConfig{
			Granularity:   "function",
			MaxStackDepth: 64,
		},
		Intercept: InterceptConfig{
			MaxRecords: 1000,
			Window:     100,
		},
		Store: StoreConfig{
			Path: filepath.Join(home, ".neurotrace", "sessions.db"),
		},
		Logging: LoggingConfig{
			Level: "error",
		},
	}
}

// Load reads a YAML config over defaults, then applies environment
// overrides and validates. An empty path yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment settings on top of file values.
// OLLAMA_HOST matches the local inference server's own convention;
// NEUROTRACE_* variables win over it.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.Inference.BaseURL = v
	}
	if v := os.Getenv("NEUROTRACE_ENDPOINT"); v != "" {
		c.Inference.BaseURL = v
	}
	if v := os.Getenv("NEUROTRACE_MODEL"); v != "" {
		c.Inference.Model = v
	}
	if v := os.Getenv("NEUROTRACE_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("NEUROTRACE_VERBOSE"); v == "1" || v == "true" {
		c.Logging.Verbose = true
		c.Intercept.Verbose = true
	}
}

// Validate checks field ranges and duration syntax.
func (c *Config) Validate() error {
	if c.Inference.BaseURL == "" {
		return fmt.Errorf("inference.base_url must not be empty")
	}
	if c.Inference.MaxRetries < 1 {
		return fmt.Errorf("inference.max_retries must be at least 1")
	}
	if c.Inference.MaxChunkSize < 1 {
		return fmt.Errorf("inference.max_chunk_size must be positive")
	}
	if d, err := c.Inference.TimeoutDuration(); err != nil {
		return err
	} else if d < time.Second {
		return fmt.Errorf("inference.timeout must be at least 1s")
	}
	if _, err := c.Inference.BackoffDuration(); err != nil {
		return err
	}
	if c.Trace.MaxStackDepth < 1 {
		return fmt.Errorf("trace.max_stack_depth must be positive")
	}
	if c.Intercept.MaxRecords < 1 {
		return fmt.Errorf("intercept.max_records must be positive")
	}
	if c.Intercept.Window < 1 {
		return fmt.Errorf("intercept.window must be positive")
	}
	switch c.Trace.Granularity {
	case "", "function", "statement", "line":
	default:
		return fmt.Errorf("trace.granularity must be function or statement, got %q", c.Trace.Granularity)
	}
	return nil
}

// TimeoutDuration parses the inference timeout.
func (c InferenceConfig) TimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid inference.timeout %q: %w", c.Timeout, err)
	}
	return d, nil
}

// BackoffDuration parses the backoff base delay.
func (c InferenceConfig) BackoffDuration() (time.Duration, error) {
	if c.BackoffBase == "" {
		return 500 * time.Millisecond, nil
	}
	d, err := time.ParseDuration(c.BackoffBase)
	if err != nil {
		return 0, fmt.Errorf("invalid inference.backoff_base %q: %w", c.BackoffBase, err)
	}
	return d, nil
}
