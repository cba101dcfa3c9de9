package scriptpool

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/scriptpool/host/internal/pool"
	"github.com/scriptpool/host/internal/rpc"
	"github.com/scriptpool/host/internal/supervisor"
	"github.com/scriptpool/host/internal/telemetry"
)

// defaultPrimaryBinary is resolved via PATH lookup so a caller who has
// installed the primary daemon alongside this module does not need to name
// it explicitly.
const defaultPrimaryBinary = "scriptpool-primaryd"

// PoolStatus is a point-in-time snapshot of pool occupancy, suitable for
// polling or publishing over the WebSocket status stream.
type PoolStatus struct {
	InFlight int
	Idle     int
	Waiters  int
}

// Handle owns the primary process and the connection pool built on top of
// it. Callers acquire and release Worker Clients through it and close it
// once when done.
type Handle struct {
	cfg     Config
	log     *slog.Logger
	metrics *telemetry.Metrics
	hub     *telemetry.StatusHub
	statusServer *statusServer

	sup  *supervisor.Supervisor
	pool *pool.Pool

	closeOnce sync.Once
}

// Start launches the primary process, waits for it to become reachable,
// and returns a Handle ready to serve Acquire calls.
func Start(ctx context.Context, cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()
	if cfg.WorkerBinary == "" {
		return nil, &Error{Kind: KindInvalidArgument, Message: "WorkerBinary is required"}
	}

	log := cfg.Logger.With(slog.String("component", "scriptpool.Handle"))

	primaryBinary := cfg.PrimaryBinary
	if primaryBinary == "" {
		primaryBinary = defaultPrimaryBinary
	}
	primaryArgs := append([]string{"--worker-binary", cfg.WorkerBinary}, cfg.PrimaryArgs...)
	for _, a := range cfg.WorkerArgs {
		primaryArgs = append(primaryArgs, "--worker-arg", a)
	}

	sup, err := supervisor.Start(ctx, supervisor.Config{
		PrimaryBinary:  primaryBinary,
		PrimaryArgs:    primaryArgs,
		WorkerCount:    cfg.WorkerCount,
		SocketPath:     cfg.SocketPath,
		StartupTimeout: cfg.StartupTimeout,
		ShutdownGrace:  cfg.ShutdownGrace,
		Stdout:         cfg.Stdout,
		Stderr:         cfg.Stderr,
	}, log)
	if err != nil {
		return nil, Classify(err)
	}

	h := &Handle{
		cfg:     cfg,
		log:     log,
		metrics: cfg.Metrics,
		sup:     sup,
	}

	factory := func(ctx context.Context) (*rpc.WorkerClient, error) {
		conn, err := rpc.Dial(ctx, sup.SocketPath(), log)
		h.metrics.DialOutcome(err)
		if err != nil {
			return nil, err
		}
		conn.SetOnClose(h.metrics.ConnectionClosed)
		return rpc.NewWorkerClient(conn, log, cfg.RequestTimeoutCeiling), nil
	}
	h.pool = pool.New(cfg.WorkerCount, factory, log)

	if cfg.StatusListenAddr != "" {
		h.hub = telemetry.NewStatusHub(log)
		srv, err := startStatusServer(cfg.StatusListenAddr, h.hub)
		if err != nil {
			_ = sup.Shutdown(cfg.ShutdownGrace)
			return nil, Classify(fmt.Errorf("scriptpool: start status server: %w", err))
		}
		h.statusServer = srv
	}

	go h.watchWorkerEvents()

	return h, nil
}

// watchWorkerEvents relays fleet lifecycle transitions, forwarded from the
// primary process's stdout by the Supervisor, into Metrics and the status
// hub. It is the only place those two ever learn about a fork, a ready
// handshake, or a crash: everything else in the pool only sees proxied
// worker-protocol bytes.
func (h *Handle) watchWorkerEvents() {
	for ev := range h.sup.Events() {
		switch ev.State {
		case "forked":
			h.metrics.WorkerForked()
		case "ready":
			h.metrics.WorkerReady()
		case "exited":
			h.metrics.WorkerExited(false)
		case "crashed":
			h.metrics.WorkerExited(true)
		}
		if h.hub != nil {
			h.hub.PublishWorker(telemetry.WorkerEvent{Index: ev.Idx, State: ev.State, At: time.Now()})
		}
	}
}

// Acquire checks out a pooled Worker Client, growing the pool or waiting in
// FIFO order as needed.
func (h *Handle) Acquire(ctx context.Context) (*Guard, error) {
	g, err := h.pool.Acquire(ctx)
	if err != nil {
		h.metrics.AcquireOutcome(acquireOutcome(err))
		h.reportPoolStatus()
		switch {
		case err == pool.ErrPoolClosed:
			err = fmt.Errorf("%w: %w", ErrShutdown, err)
		case err == context.Canceled || err == context.DeadlineExceeded:
			err = fmt.Errorf("%w: %w", ErrPoolTimeout, err)
		}
		return nil, Classify(err)
	}
	h.metrics.AcquireOutcome("ok")
	h.reportPoolStatus()
	return &Guard{inner: g, handle: h}, nil
}

func acquireOutcome(err error) string {
	switch {
	case err == context.Canceled || err == context.DeadlineExceeded:
		return "cancelled"
	case err == pool.ErrPoolClosed:
		return "closed"
	default:
		return "error"
	}
}

// Guard wraps a checked-out Worker Client, mirroring internal/pool.Guard at
// the public API boundary so callers never import internal packages.
type Guard struct {
	inner  *pool.Guard
	handle *Handle
}

// Client returns the checked-out Worker Client, instrumented to record
// RunScript/Ping outcomes: unlike fleet lifecycle events, request outcomes
// happen in this process and need no relay from the primary daemon.
func (g *Guard) Client() *Client {
	return &Client{inner: g.inner.Client(), metrics: g.handle.metrics}
}

// Release returns the client to the pool after a health check.
func (g *Guard) Release() {
	g.inner.Release()
	g.handle.reportPoolStatus()
}

// Status reports current pool occupancy.
func (h *Handle) Status() PoolStatus {
	inFlight, idle, waiters := h.pool.Stats()
	return PoolStatus{InFlight: inFlight, Idle: idle, Waiters: waiters}
}

// reportPoolStatus snapshots pool occupancy into the gauges and, if a
// status hub is running, publishes it to subscribers.
func (h *Handle) reportPoolStatus() {
	s := h.Status()
	h.metrics.SetPoolGauges(s.InFlight, s.Idle, s.Waiters)
	if h.hub != nil {
		h.hub.PublishPool(telemetry.PoolSnapshot{InFlight: s.InFlight, Idle: s.Idle, Waiters: s.Waiters})
	}
}

// Close closes the pool, shuts down the primary process (SIGTERM, then
// Kill after ShutdownGrace), and stops the status server, if any.
func (h *Handle) Close(ctx context.Context) error {
	var closeErr error
	h.closeOnce.Do(func() {
		closeErr = h.pool.Close()
		if err := h.sup.Shutdown(h.cfg.ShutdownGrace); err != nil && closeErr == nil {
			closeErr = err
		}
		if h.statusServer != nil {
			h.statusServer.stop(ctx)
		}
	})
	if closeErr != nil {
		return Classify(closeErr)
	}
	return nil
}

// LookPathHint reports whether the default primary binary name can be
// resolved on PATH; used by callers that want to fail fast with a clearer
// message before calling Start.
func LookPathHint() error {
	_, err := exec.LookPath(defaultPrimaryBinary)
	return err
}
