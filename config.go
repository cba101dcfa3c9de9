package scriptpool

import (
	"io"
	"log/slog"
	"time"

	"github.com/scriptpool/host/internal/telemetry"
)

const (
	defaultStartupTimeout        = 10 * time.Second
	defaultShutdownGrace         = 5 * time.Second
	defaultRequestTimeoutCeiling = 30 * time.Second
)

// Config configures Start. Only WorkerBinary is required; every other field
// has a workable default.
type Config struct {
	// WorkerCount is the number of worker processes the primary forks.
	// Zero defaults to 1.
	WorkerCount int
	// SocketPath is the rendezvous socket the primary listens on and the
	// host dials. Empty selects an ephemeral path in a scoped temp dir.
	SocketPath string

	// PrimaryBinary launches the primary supervisor process. Empty selects
	// the primary daemon shipped alongside this module.
	PrimaryBinary string
	PrimaryArgs   []string

	// WorkerBinary and WorkerArgs are forwarded to the primary, which
	// launches one worker process per WorkerCount using them.
	WorkerBinary string
	WorkerArgs   []string

	StartupTimeout        time.Duration
	ShutdownGrace         time.Duration
	RequestTimeoutCeiling time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// StatusListenAddr, if set, serves a WebSocket status stream
	// (internal/telemetry.StatusHub) at this address.
	StatusListenAddr string

	Stdout, Stderr io.Writer
}

func (c Config) withDefaults() Config {
	if c.WorkerCount < 1 {
		c.WorkerCount = 1
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = defaultStartupTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.RequestTimeoutCeiling <= 0 {
		c.RequestTimeoutCeiling = defaultRequestTimeoutCeiling
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
