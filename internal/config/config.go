// Package config loads the stepgraph tool configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/stepgraph/graph"
	"github.com/dshills/stepgraph/graph/store"
)

// Environment variables that override file values.
const (
	EnvStore       = "STEPGRAPH_STORE"
	EnvLogLevel    = "STEPGRAPH_LOG_LEVEL"
	EnvMetricsAddr = "STEPGRAPH_METRICS_ADDR"
)

// Config is the on-disk configuration.
//
//	store: sqlite://./stepgraph.db
//	log_level: debug
//	metrics_addr: ":9090"
//	max_steps: 50
//	max_concurrency: 4
//	node_timeout: 30s
type Config struct {
	Store          string   `yaml:"store"`
	LogLevel       string   `yaml:"log_level"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	MaxSteps       int      `yaml:"max_steps"`
	MaxConcurrency int      `yaml:"max_concurrency"`
	NodeTimeout    Duration `yaml:"node_timeout"`
}

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store:          "mem://",
		LogLevel:       "info",
		MaxSteps:       25,
		MaxConcurrency: 8,
	}
}

// Load reads path over Default and applies environment overrides. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvStore); ok && v != "" {
		c.Store = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		c.MetricsAddr = v
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Store == "" {
		errs = append(errs, errors.New("store cannot be empty"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level %q", c.LogLevel))
	}
	if c.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps))
	}
	if c.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency))
	}
	if c.NodeTimeout < 0 {
		errs = append(errs, errors.New("node_timeout cannot be negative"))
	}
	return errors.Join(errs...)
}

// GraphOptions turns the execution limits into Compile options bound to st.
func (c Config) GraphOptions(st store.Store) []graph.Option {
	return []graph.Option{
		graph.WithStore(st),
		graph.WithMaxSteps(c.MaxSteps),
		graph.WithMaxConcurrency(c.MaxConcurrency),
		graph.WithNodeTimeout(time.Duration(c.NodeTimeout)),
	}
}
