package scriptpool

import (
	"context"
	"errors"
	"time"

	"github.com/scriptpool/host/internal/rpc"
	"github.com/scriptpool/host/internal/telemetry"
	"github.com/scriptpool/host/internal/wire"
)

// Client is the request-level façade a Guard hands out. It wraps the pooled
// rpc.WorkerClient to record per-request metrics; RunScript and Ping run
// directly in this process, so their outcomes need no relay from the
// primary daemon the way fleet lifecycle events do.
type Client struct {
	inner   *rpc.WorkerClient
	metrics *telemetry.Metrics
}

// RunScript sends a script to the checked-out worker and blocks for its
// terminal frame. See rpc.WorkerClient.RunScript for the exact semantics.
func (c *Client) RunScript(ctx context.Context, args wire.RunScriptArgs, onLog rpc.OnLog) (rpc.RunResult, error) {
	start := time.Now()
	result, err := c.inner.RunScript(ctx, args, onLog)
	c.metrics.RequestOutcome("run_script", requestOutcome(err), time.Since(start))
	return result, err
}

// Ping probes worker liveness independent of any RunScript in flight.
func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.inner.Ping(ctx)
	c.metrics.RequestOutcome("ping", requestOutcome(err), time.Since(start))
	return err
}

// Connection exposes the underlying multiplexed connection, e.g. for a
// caller that wants Closed() without going through a request.
func (c *Client) Connection() *rpc.Connection { return c.inner.Connection() }

func requestOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	var scriptErr *rpc.ScriptError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, rpc.ErrRequestCancelled):
		return "cancelled"
	case errors.Is(err, rpc.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, rpc.ErrConnectionClosed), errors.Is(err, rpc.ErrScriptEndedEarly):
		return "connection_closed"
	case errors.As(err, &scriptErr):
		return "script_error"
	}
	return "error"
}
