// Package config defines the process's configuration struct. Every tunable
// named in the design notes (failure thresholds, open durations, worker
// pool size, tick interval, stuck timeout, data directory) is read here,
// once, at construction — nothing downstream reads an environment variable
// or a package-level global directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cronward/cronward/runtime/breaker"
	"github.com/cronward/cronward/runtime/cron"
	"github.com/cronward/cronward/runtime/pool"
)

// Config is the top-level configuration struct passed to every component
// at construction.
type Config struct {
	DataDir string `yaml:"dataDir"`

	Breaker breaker.Config `yaml:"breaker"`
	Pool    pool.Config    `yaml:"pool"`
	Cron    cron.Config    `yaml:"cron"`

	HTTPAddr        string `yaml:"httpAddr"`
	BearerToken     string `yaml:"bearerToken"`
	WSMaxConnsPerIP int    `yaml:"wsMaxConnsPerIP"`
	WSMaxFrameBytes int    `yaml:"wsMaxFrameBytes"`

	Sandbox SandboxConfig `yaml:"sandbox"`
}

// SandboxConfig configures the worker pool's sandbox jail.
type SandboxConfig struct {
	Root           string        `yaml:"root"`
	Allowlist      []string      `yaml:"allowlist"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"maxOutputBytes"`
}

// Defaults returns a Config populated with every documented default,
// matching the values named throughout the design notes.
func Defaults() Config {
	return Config{
		DataDir:         "./data",
		Breaker:         breaker.DefaultConfig(),
		Pool:            pool.DefaultConfig(),
		Cron:            cron.DefaultConfig(),
		HTTPAddr:        ":8080",
		WSMaxConnsPerIP: 4,
		WSMaxFrameBytes: 64 * 1024,
		Sandbox: SandboxConfig{
			Allowlist:      []string{},
			Timeout:        30 * time.Second,
			MaxOutputBytes: 1 << 20,
		},
	}
}

// Load reads a YAML config file at path, overlaying it on Defaults(). A
// missing file is not an error; Defaults() is returned unchanged.
func Load(path string) (Config, error) {
	cfg := Defaults()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv overlays environment variable overrides on cfg, for the handful
// of settings operators commonly need to flip without editing the config
// file (e.g. in a container). Returns an error if a numeric/duration
// variable is set but unparsable.
func FromEnv(cfg Config) (Config, error) {
	if v := os.Getenv("CRONWARD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CRONWARD_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("CRONWARD_BEARER_TOKEN"); v != "" {
		cfg.BearerToken = v
	}
	if v := os.Getenv("CRONWARD_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: CRONWARD_TICK_INTERVAL: %w", err)
		}
		cfg.Cron.TickInterval = d
	}
	if v := os.Getenv("CRONWARD_FAILURE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: CRONWARD_FAILURE_THRESHOLD: %w", err)
		}
		cfg.Breaker.FailureThreshold = n
	}
	return cfg, nil
}
