package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scriptpool/host/internal/wire"
)

// requestTimeoutMargin is added on top of a request's own timeoutMs when
// deriving the host-side deadline, so the host doesn't race the worker's
// own timeout enforcement under normal scheduling jitter.
const requestTimeoutMargin = 500 * time.Millisecond

// RunResult is the successful outcome of a RunScript call.
type RunResult struct {
	Globals     map[string]any
	ReturnValue any
}

// WorkerClient is the host-facing façade over one worker Connection. It
// knows exactly two operations, matching §4.3: no operation beyond
// RunScript and Ping is invented here.
type WorkerClient struct {
	conn    *Connection
	log     *slog.Logger
	ceiling time.Duration
}

// NewWorkerClient wraps an established Connection. ceiling is the
// configurable upper bound the host arms on every RunScript call when
// neither the caller's ctx nor the request's own timeoutMs already impose
// a tighter one; zero disables it.
func NewWorkerClient(conn *Connection, logger *slog.Logger, ceiling time.Duration) *WorkerClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerClient{conn: conn, log: logger.With(slog.String("component", "rpc.WorkerClient")), ceiling: ceiling}
}

// effectiveDeadline picks the earliest of the caller's ctx deadline (if
// any), timeoutMs plus a margin (if the request set one), and the
// configured ceiling (if any). Two cooperating layers enforce timeoutMs:
// the worker enforces it against the script's own execution, and this is
// the host's side of that same policy.
func (c *WorkerClient) effectiveDeadline(ctx context.Context, timeoutMs *uint64) time.Time {
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if timeoutMs != nil {
		if candidate := time.Now().Add(time.Duration(*timeoutMs)*time.Millisecond + requestTimeoutMargin); deadline.IsZero() || candidate.Before(deadline) {
			deadline = candidate
		}
	}
	if c.ceiling > 0 {
		if candidate := time.Now().Add(c.ceiling); deadline.IsZero() || candidate.Before(deadline) {
			deadline = candidate
		}
	}
	return deadline
}

// OnLog is called for every LOG frame emitted while a RunScript call is
// in flight, in the order the worker sent them.
type OnLog func(level string, message any)

// RunScript sends a RUN_SCRIPT frame and blocks for its terminal frame:
// RUN_RESPONSE resolves successfully, ERROR resolves as *ScriptError.
func (c *WorkerClient) RunScript(ctx context.Context, args wire.RunScriptArgs, onLog OnLog) (RunResult, error) {
	body, err := args.Encode()
	if err != nil {
		return RunResult{}, err
	}

	var sink LogSink
	if onLog != nil {
		sink = func(p wire.LogPayload) { onLog(p.Level, p.Message) }
	}

	deadline := c.effectiveDeadline(ctx, args.TimeoutMs)
	pending, err := c.conn.Submit(wire.TypeRunScript, body, deadline, sink)
	if err != nil {
		return RunResult{}, err
	}

	frame, err := pending.wait(ctx, func() { c.conn.forget(pending.reqID) })
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			// The connection went away before a terminal frame arrived for
			// this specific request: narrower than a generic transport
			// failure (original_source's ScriptEndedEarly).
			return RunResult{}, ErrScriptEndedEarly
		}
		return RunResult{}, err
	}

	switch frame.Type {
	case wire.TypeRunResponse:
		resp, err := wire.DecodeRunResponse(frame.Payload)
		if err != nil {
			return RunResult{}, err
		}
		return RunResult{Globals: resp.Globals, ReturnValue: resp.ReturnValue}, nil
	case wire.TypeError:
		errPayload, decErr := wire.DecodeErrorPayload(frame.Payload)
		if decErr != nil {
			return RunResult{}, decErr
		}
		return RunResult{}, &ScriptError{Message: errPayload.Message, Stack: errPayload.Stack}
	default:
		return RunResult{}, fmt.Errorf("rpc: run script: unexpected response type %s", frame.Type)
	}
}

// Ping probes worker liveness independent of any RunScript in flight.
func (c *WorkerClient) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Connection exposes the underlying multiplexed connection, e.g. for the
// pool to close a connection it retires or drops.
func (c *WorkerClient) Connection() *Connection {
	return c.conn
}
