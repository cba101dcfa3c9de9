package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/scriptpool/host/internal/wire"
)

// State is the monotonic lifecycle of a Request Handle.
type State int

const (
	StatePending State = iota
	StateResolved
	StateCancelled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// LogSink receives LOG frames for a request in the order the worker emitted
// them, all preceding the terminal frame.
type LogSink func(wire.LogPayload)

// pendingRequest tracks one in-flight request on a Connection, keyed by
// reqID in the connection's pending table.
type pendingRequest struct {
	reqID uint32
	sink  LogSink

	mu    sync.Mutex
	state State
	done  chan struct{}
	frame wire.Frame
	err   error
}

func newPendingRequest(reqID uint32, sink LogSink) *pendingRequest {
	return &pendingRequest{
		reqID: reqID,
		sink:  sink,
		state: StatePending,
		done:  make(chan struct{}),
	}
}

// deliverLog passes a LOG frame to the request's sink, if it has one and is
// still pending; nothing is buffered. Not terminal.
func (p *pendingRequest) deliverLog(payload wire.LogPayload) {
	p.mu.Lock()
	sink := p.sink
	state := p.state
	p.mu.Unlock()

	if state != StatePending || sink == nil {
		return
	}
	sink(payload)
}

// resolve completes the request with a terminal frame. Only the first call
// has effect; subsequent terminal frames for an already-resolved request
// are ignored.
func (p *pendingRequest) resolve(f wire.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePending {
		return
	}
	p.state = StateResolved
	p.frame = f
	close(p.done)
}

// fail completes the request with a non-frame error (transport failure,
// timeout, or cancellation). state must be one of StateCancelled or
// StateTimedOut when signalled from those paths; transport failures use
// StateResolved-adjacent handling via the same terminal path.
func (p *pendingRequest) fail(state State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePending {
		return
	}
	p.state = state
	p.err = err
	close(p.done)
}

// wait blocks until the request reaches a terminal state and returns its
// resolved frame, or the error that terminated it. It races p.done against
// ctx.Done() exactly the way internal/pool.Pool.Acquire races a waiter's
// channel against ctx.Done(): host-deadline timeout and user-driven
// cancellation are equivalent from here on. A ctx cancellation marks the
// request StateCancelled and, if forget is non-nil, schedules the same
// drainWindow-delayed purge a timeout gets, so a late frame from the
// worker for an already-cancelled request doesn't leak the pending entry.
func (p *pendingRequest) wait(ctx context.Context, forget func()) (wire.Frame, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.fail(StateCancelled, ErrRequestCancelled)
		if forget != nil {
			time.AfterFunc(drainWindow, forget)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame, p.err
}

// currentState reports the request's state without blocking.
func (p *pendingRequest) currentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
