package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/scriptpool/host/internal/wire"
)

func TestWorkerClientRunScriptSuccess(t *testing.T) {
	t.Parallel()

	l, path := listenUnix(t)
	accepted := make(chan struct{}, 1)

	go func() {
		conn := acceptOne(t, l)
		accepted <- struct{}{}
		dec := wire.NewDecoder(conn)
		f, err := dec.Next()
		if err != nil {
			return
		}
		var args wire.RunScriptArgs
		if err := json.Unmarshal(f.Payload, &args); err != nil {
			return
		}
		body, _ := json.Marshal(wire.RunResponseData{ReturnValue: args.Name})
		_ = wire.WriteTo(conn, wire.Frame{RequestID: f.RequestID, Type: wire.TypeRunResponse, Payload: body})
	}()

	conn, err := Dial(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	<-accepted

	client := NewWorkerClient(conn, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := client.RunScript(ctx, wire.RunScriptArgs{Name: "echo-test"}, nil)
	if err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if result.ReturnValue != "echo-test" {
		t.Fatalf("expected returnValue echo-test, got %v", result.ReturnValue)
	}
}

func TestWorkerClientRunScriptError(t *testing.T) {
	t.Parallel()

	l, path := listenUnix(t)
	accepted := make(chan struct{}, 1)

	go func() {
		conn := acceptOne(t, l)
		accepted <- struct{}{}
		dec := wire.NewDecoder(conn)
		f, err := dec.Next()
		if err != nil {
			return
		}
		body, _ := json.Marshal(wire.ErrorPayload{Message: "boom", Stack: "at line 1"})
		_ = wire.WriteTo(conn, wire.Frame{RequestID: f.RequestID, Type: wire.TypeError, Payload: body})
	}()

	conn, err := Dial(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	<-accepted

	client := NewWorkerClient(conn, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.RunScript(ctx, wire.RunScriptArgs{Name: "boom-test"}, nil)
	var scriptErr *ScriptError
	if !errors.As(err, &scriptErr) {
		t.Fatalf("expected *ScriptError, got %v (%T)", err, err)
	}
	if scriptErr.Message != "boom" {
		t.Fatalf("expected message boom, got %q", scriptErr.Message)
	}
}

func TestWorkerClientRunScriptCollectsLogs(t *testing.T) {
	t.Parallel()

	l, path := listenUnix(t)
	accepted := make(chan struct{}, 1)

	go func() {
		conn := acceptOne(t, l)
		accepted <- struct{}{}
		dec := wire.NewDecoder(conn)
		f, err := dec.Next()
		if err != nil {
			return
		}
		_ = wire.WriteTo(conn, wire.Frame{RequestID: f.RequestID, Type: wire.TypeLog, Payload: []byte(`{"level":"warn","message":"careful"}`)})
		body, _ := json.Marshal(wire.RunResponseData{ReturnValue: nil})
		_ = wire.WriteTo(conn, wire.Frame{RequestID: f.RequestID, Type: wire.TypeRunResponse, Payload: body})
	}()

	conn, err := Dial(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	<-accepted

	client := NewWorkerClient(conn, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var gotLevel string
	_, err = client.RunScript(ctx, wire.RunScriptArgs{Name: "log-test"}, func(level string, message any) {
		gotLevel = level
	})
	if err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if gotLevel != "warn" {
		t.Fatalf("expected warn log delivered, got %q", gotLevel)
	}
}

// TestWorkerClientRunScriptTimesOutOnTimeoutMsEvenWithoutCtxDeadline covers
// scenario 5 end to end: a timed-out RunScript must resolve with
// ErrRequestTimeout within a small factor of timeoutMs, and the connection
// must stay healthy enough for a subsequent Ping to resolve.
func TestWorkerClientRunScriptTimesOutOnTimeoutMsEvenWithoutCtxDeadline(t *testing.T) {
	t.Parallel()

	l, path := listenUnix(t)

	go func() {
		// Simulates a worker stuck in an infinite loop: it never answers
		// RUN_SCRIPT, but keeps answering PING so the follow-up ping in
		// this test can prove the connection is still serviceable.
		worker := acceptOne(t, l)
		dec := wire.NewDecoder(worker)
		for {
			f, err := dec.Next()
			if err != nil {
				return
			}
			if f.Type == wire.TypePing {
				_ = wire.WriteTo(worker, wire.Frame{RequestID: f.RequestID, Type: wire.TypePong})
			}
		}
	}()

	conn, err := Dial(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	client := NewWorkerClient(conn, nil, 0)
	timeoutMs := uint64(50)

	start := time.Now()
	_, err = client.RunScript(context.Background(), wire.RunScriptArgs{Name: "spin", TimeoutMs: &timeoutMs}, nil)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("expected the host deadline to fire within a small factor of timeoutMs, took %s", elapsed)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		t.Fatalf("expected the connection to remain healthy after a timeout, Ping: %v", err)
	}
}

// TestWorkerClientRunScriptCancelledLeavesConnectionHealthy is the
// user-driven-cancellation counterpart to the timeout scenario above: an
// upstream ctx cancellation (e.g. an HTTP handler's r.Context() going away)
// must resolve RunScript with ErrRequestCancelled without tearing down the
// connection, and a subsequent Ping must still resolve.
func TestWorkerClientRunScriptCancelledLeavesConnectionHealthy(t *testing.T) {
	t.Parallel()

	l, path := listenUnix(t)

	go func() {
		worker := acceptOne(t, l)
		dec := wire.NewDecoder(worker)
		for {
			f, err := dec.Next()
			if err != nil {
				return
			}
			if f.Type == wire.TypePing {
				_ = wire.WriteTo(worker, wire.Frame{RequestID: f.RequestID, Type: wire.TypePong})
			}
		}
	}()

	conn, err := Dial(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	client := NewWorkerClient(conn, nil, 0)

	runCtx, runCancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		runCancel()
	}()

	_, err = client.RunScript(runCtx, wire.RunScriptArgs{Name: "spin"}, nil)
	if !errors.Is(err, ErrRequestCancelled) {
		t.Fatalf("expected ErrRequestCancelled, got %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx); err != nil {
		t.Fatalf("expected the connection to remain healthy after cancellation, Ping: %v", err)
	}
}

func TestWorkerClientEffectiveDeadlinePicksEarliest(t *testing.T) {
	t.Parallel()

	client := &WorkerClient{}
	now := time.Now()

	// No ctx deadline, no timeoutMs, no ceiling: zero deadline (disabled).
	if d := client.effectiveDeadline(context.Background(), nil); !d.IsZero() {
		t.Fatalf("expected no deadline with nothing configured, got %s", d)
	}

	// timeoutMs alone sets a deadline roughly timeoutMs+margin out.
	timeoutMs := uint64(100)
	d := client.effectiveDeadline(context.Background(), &timeoutMs)
	if d.Before(now.Add(100*time.Millisecond)) || d.After(now.Add(2*time.Second)) {
		t.Fatalf("expected deadline ~100ms+margin out, got %s (now %s)", d, now)
	}

	// A tighter ctx deadline wins over a looser configured ceiling.
	client.ceiling = time.Minute
	shortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	d = client.effectiveDeadline(shortCtx, nil)
	if d.After(now.Add(time.Second)) {
		t.Fatalf("expected the ctx deadline to win over a 1-minute ceiling, got %s", d)
	}

	// The ceiling applies when nothing tighter is set.
	client2 := &WorkerClient{ceiling: 200 * time.Millisecond}
	d = client2.effectiveDeadline(context.Background(), nil)
	if d.Before(now.Add(100*time.Millisecond)) || d.After(now.Add(time.Second)) {
		t.Fatalf("expected the ceiling to set a ~200ms deadline, got %s", d)
	}
}
