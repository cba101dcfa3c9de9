package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scriptpool/host/internal/wire"
)

// drainWindow bounds how long a timed-out request's pending entry is kept
// around to absorb late frames before it is purged.
const drainWindow = 2 * time.Second

// Connection owns one stream socket to a worker process and multiplexes
// many in-flight requests over it. One reader goroutine dispatches inbound
// frames by request-id; outbound writes are serialized by writeMu so frames
// are never interleaved mid-bytes.
type Connection struct {
	conn net.Conn
	dec  *wire.Decoder
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]*pendingRequest
	nextID  uint32
	closed  bool

	msgCounter atomic.Uint32

	readerDone chan struct{}
	onClose    func()
}

// Dial connects to the worker's rendezvous socket and starts the reader
// goroutine. The caller owns the returned Connection and must Close it.
func Dial(ctx context.Context, socketPath string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("component", "rpc.Connection"), slog.String("socket", socketPath))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		log.Error("Connection.Dial(ctx, socketPath) :: dial_failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("rpc: dial worker socket: %w", err)
	}

	c := &Connection{
		conn:       conn,
		dec:        wire.NewDecoder(conn),
		log:        log,
		pending:    make(map[uint32]*pendingRequest),
		readerDone: make(chan struct{}),
	}
	go c.readLoop()

	log.Info("Connection.Dial(ctx, socketPath) :: ready")
	return c, nil
}

// readLoop is the connection's single reader task.
func (c *Connection) readLoop() {
	defer close(c.readerDone)
	for {
		f, err := c.dec.Next()
		if err != nil {
			c.teardown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}
		c.dispatch(f)
	}
}

func (c *Connection) dispatch(f wire.Frame) {
	c.mu.Lock()
	p, ok := c.pending[f.RequestID]
	c.mu.Unlock()

	if !ok {
		c.log.Warn("Connection.dispatch(frame) :: unknown_request_id",
			slog.Uint64("requestID", uint64(f.RequestID)),
			slog.String("type", f.Type.String()),
		)
		return
	}

	switch f.Type {
	case wire.TypeLog:
		payload, err := wire.DecodeLogPayload(f.Payload)
		if err != nil {
			c.log.Warn("Connection.dispatch(frame) :: log_decode_failed", slog.String("error", err.Error()))
			return
		}
		p.deliverLog(payload)
	case wire.TypeRunResponse, wire.TypeError, wire.TypePong:
		p.resolve(f)
		c.forget(f.RequestID)
	default:
		c.log.Warn("Connection.dispatch(frame) :: unknown_message_type", slog.String("type", f.Type.String()))
	}
}

func (c *Connection) forget(reqID uint32) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

// allocateIDLocked returns a fresh request-id, skipping any still present in the
// pending table. Caller must hold c.mu.
func (c *Connection) allocateIDLocked() uint32 {
	for {
		c.nextID++
		id := c.nextID
		if _, inUse := c.pending[id]; !inUse {
			return id
		}
	}
}

// submit allocates a reqID, registers a pending entry, writes the outbound
// frame, and arms the host-side deadline if one was requested.
func (c *Connection) submit(msgType wire.MessageType, payload []byte, deadline time.Time, sink LogSink) (*pendingRequest, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	reqID := c.allocateIDLocked()
	p := newPendingRequest(reqID, sink)
	c.pending[reqID] = p
	c.mu.Unlock()

	frame := wire.Frame{
		RequestID: reqID,
		MessageID: c.msgCounter.Add(1),
		Type:      msgType,
		Payload:   payload,
	}

	c.writeMu.Lock()
	err := wire.WriteTo(c.conn, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(reqID)
		c.log.Error("Connection.submit(type, payload, deadline) :: write_failed",
			slog.Uint64("requestID", uint64(reqID)), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	if !deadline.IsZero() {
		c.armDeadline(reqID, p, deadline)
	}

	return p, nil
}

func (c *Connection) armDeadline(reqID uint32, p *pendingRequest, deadline time.Time) {
	time.AfterFunc(time.Until(deadline), func() {
		p.fail(StateTimedOut, ErrRequestTimeout)
		// Keep the pending entry around briefly to absorb late frames,
		// then purge it.
		time.AfterFunc(drainWindow, func() {
			c.forget(reqID)
		})
	})
}

// Submit writes an outbound frame and returns its pending request handle.
// Exported for use by higher-level clients (rpc.WorkerClient) that need
// direct access to the multiplexer.
func (c *Connection) Submit(msgType wire.MessageType, payload []byte, deadline time.Time, sink LogSink) (*pendingRequest, error) {
	return c.submit(msgType, payload, deadline, sink)
}

// Ping sends PING and resolves independently of any in-flight RUN_SCRIPT.
func (c *Connection) Ping(ctx context.Context) error {
	deadline, _ := ctx.Deadline()
	p, err := c.submit(wire.TypePing, nil, deadline, nil)
	if err != nil {
		return err
	}
	frame, err := p.wait(ctx, func() { c.forget(p.reqID) })
	if err != nil {
		return err
	}
	if frame.Type != wire.TypePong {
		return fmt.Errorf("rpc: ping: unexpected response type %s", frame.Type)
	}
	return nil
}

// SetOnClose registers a callback invoked exactly once when the connection
// tears down, whether by an explicit Close or a transport failure observed
// on the reader task. Lets a caller (the pool factory) keep dial/close
// metrics in sync without this package importing telemetry.
func (c *Connection) SetOnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Closed reports whether the connection has been torn down, either by an
// explicit Close or by a transport failure observed on the reader task.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears down the connection and fails every outstanding request with
// ErrConnectionClosed.
func (c *Connection) Close() error {
	c.teardown(ErrConnectionClosed)
	<-c.readerDone
	return nil
}

func (c *Connection) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	onClose := c.onClose
	c.mu.Unlock()

	_ = c.conn.Close()

	for _, p := range pending {
		p.fail(StateResolved, err)
	}
	c.log.Info("Connection.teardown(err) :: closed", slog.Int("dropped_pending", len(pending)))
	if onClose != nil {
		onClose()
	}
}
