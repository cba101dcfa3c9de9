// Package config loads the host library's YAML configuration file.
//
// Grounded on ragadmin's internal/config/config.go: a Default() baseline,
// a permissive Load() that treats a missing file as "use defaults", and an
// apply/normalize split so partial files only override what they set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultWorkerCount           = 0 // 0 means one worker (scriptpoolctl and Start both turn it into 1); the host CPU count is not consulted
	defaultPoolCapacity          = 0 // 0 means "same as WorkerCount"
	defaultStartupTimeout        = 10 * time.Second
	defaultShutdownGrace         = 5 * time.Second
	defaultRequestTimeoutCeiling = 30 * time.Second
	defaultLogLevel              = "info"
)

// Config is the top-level configuration record scriptpoolctl loads and maps
// onto scriptpool.Config.
type Config struct {
	Pool      PoolConfig      `yaml:"pool"`
	Worker    WorkerConfig    `yaml:"worker"`
	Primary   PrimaryConfig   `yaml:"primary"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LogLevel  string          `yaml:"log_level"`
}

// PoolConfig bounds request lifetimes. Capacity is loaded and defaulted to
// Worker.Count, but scriptpoolctl does not pass it on: the pool always has
// one slot per worker.
type PoolConfig struct {
	Capacity              int           `yaml:"capacity"`
	RequestTimeoutCeiling time.Duration `yaml:"request_timeout_ceiling"`
}

// WorkerConfig describes how each script-executor child is launched.
type WorkerConfig struct {
	Count int      `yaml:"count"`
	Binary string  `yaml:"binary"`
	Args   []string `yaml:"args"`
}

// PrimaryConfig describes the primary supervisor executable.
type PrimaryConfig struct {
	Binary         string        `yaml:"binary"`
	Args           []string      `yaml:"args"`
	SocketPath     string        `yaml:"socket_path"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// TelemetryConfig toggles the optional metrics and status surfaces.
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsListen  string `yaml:"metrics_listen"`
	StatusListen   string `yaml:"status_listen"`
}

// Default returns the baseline configuration used when no file exists or a
// field is left unset.
func Default() Config {
	return Config{
		Pool: PoolConfig{
			Capacity:              defaultPoolCapacity,
			RequestTimeoutCeiling: defaultRequestTimeoutCeiling,
		},
		Worker: WorkerConfig{
			Count: defaultWorkerCount,
		},
		Primary: PrimaryConfig{
			StartupTimeout: defaultStartupTimeout,
			ShutdownGrace:  defaultShutdownGrace,
		},
		LogLevel: defaultLogLevel,
	}
}

// Load reads configuration from path. A missing file is not an error: it
// results in Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read file: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	var raw Config
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("config: decode: %w", err)
	}

	cfg.apply(raw)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) apply(raw Config) {
	if raw.Pool.Capacity != 0 {
		c.Pool.Capacity = raw.Pool.Capacity
	}
	if raw.Pool.RequestTimeoutCeiling != 0 {
		c.Pool.RequestTimeoutCeiling = raw.Pool.RequestTimeoutCeiling
	}
	if raw.Worker.Count != 0 {
		c.Worker.Count = raw.Worker.Count
	}
	if raw.Worker.Binary != "" {
		c.Worker.Binary = raw.Worker.Binary
	}
	if len(raw.Worker.Args) > 0 {
		c.Worker.Args = raw.Worker.Args
	}
	if raw.Primary.Binary != "" {
		c.Primary.Binary = raw.Primary.Binary
	}
	if len(raw.Primary.Args) > 0 {
		c.Primary.Args = raw.Primary.Args
	}
	if raw.Primary.SocketPath != "" {
		c.Primary.SocketPath = raw.Primary.SocketPath
	}
	if raw.Primary.StartupTimeout != 0 {
		c.Primary.StartupTimeout = raw.Primary.StartupTimeout
	}
	if raw.Primary.ShutdownGrace != 0 {
		c.Primary.ShutdownGrace = raw.Primary.ShutdownGrace
	}
	c.Telemetry = raw.Telemetry
	if raw.LogLevel != "" {
		c.LogLevel = raw.LogLevel
	}
}

func (c *Config) normalize() {
	if c.Pool.Capacity == 0 {
		c.Pool.Capacity = c.Worker.Count
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "warn", "error":
		c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	default:
		c.LogLevel = defaultLogLevel
	}
}

// Validate reports whether the configuration is complete enough to start
// the supervisor.
func (c Config) Validate() error {
	if c.Primary.Binary == "" {
		return errors.New("config: primary.binary is required")
	}
	if c.Worker.Binary == "" {
		return errors.New("config: worker.binary is required")
	}
	return nil
}
