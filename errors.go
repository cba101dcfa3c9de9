package scriptpool

import (
	"context"
	"errors"

	"github.com/scriptpool/host/internal/pool"
	"github.com/scriptpool/host/internal/rpc"
	"github.com/scriptpool/host/internal/supervisor"
)

// Kind coarsens the many concrete errors this library can return into a
// handful of buckets callers can switch on without depending on internal
// package error types directly.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindStartup
	KindShutdown
	KindTimeout
	KindScriptFailed
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindStartup:
		return "startup"
	case KindShutdown:
		return "shutdown"
	case KindTimeout:
		return "timeout"
	case KindScriptFailed:
		return "script_failed"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// Error is the classified form of an error returned by this package. Stack
// is populated only for KindScriptFailed.
type Error struct {
	Kind    Kind
	Message string
	Stack   string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return "scriptpool: " + e.Kind.String() + ": " + e.Message
	}
	return "scriptpool: " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrPoolTimeout is returned by Acquire when ctx is done before a
	// worker becomes available.
	ErrPoolTimeout = errors.New("scriptpool: acquire deadline exceeded")
	// ErrShutdown is returned by Acquire calls made after Close has begun.
	// A RunScript on a guard still held across Close fails with the
	// connection error from internal/rpc instead, not with ErrShutdown.
	ErrShutdown = errors.New("scriptpool: handle is shut down")
)

// Classify recovers a Kind and, where applicable, a script stack trace from
// an error returned by this package or by the internal/rpc, internal/pool,
// or internal/supervisor packages it wraps. It returns nil for a nil error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var scriptErr *rpc.ScriptError
	if errors.As(err, &scriptErr) {
		return &Error{Kind: KindScriptFailed, Message: scriptErr.Message, Stack: scriptErr.Stack, Err: err}
	}

	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	switch {
	case errors.Is(err, rpc.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
	case errors.Is(err, rpc.ErrConnectionClosed), errors.Is(err, rpc.ErrScriptEndedEarly), errors.Is(err, rpc.ErrRequestCancelled), errors.Is(err, context.Canceled):
		return &Error{Kind: KindTransport, Message: err.Error(), Err: err}
	case errors.Is(err, pool.ErrPoolClosed), errors.Is(err, ErrShutdown):
		return &Error{Kind: KindShutdown, Message: err.Error(), Err: err}
	case errors.Is(err, supervisor.ErrStartupFailed):
		return &Error{Kind: KindStartup, Message: err.Error(), Err: err}
	default:
		return &Error{Kind: KindProtocol, Message: err.Error(), Err: err}
	}
}
