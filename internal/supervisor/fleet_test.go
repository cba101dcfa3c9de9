package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testBinaryPath(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return exe
}

func waitForState(t *testing.T, c *child, want ChildState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if got := c.getState(); got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("child %d: expected state %s, still %s after %s", c.idx, want, c.getState(), timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestFleetForksWorkersAndTracksReady(t *testing.T) {
	t.Setenv(helperEnvVar, "ready-and-wait")

	f := NewFleet(FleetConfig{
		WorkerBinary:  testBinaryPath(t),
		WorkerCount:   2,
		SocketPath:    filepath.Join(t.TempDir(), "worker.sock"),
		ShutdownGrace: 2 * time.Second,
	}, nil)

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, c := range f.children {
		waitForState(t, c, Ready, time.Second)
	}

	f.Shutdown(2 * time.Second)

	for _, c := range f.children {
		waitForState(t, c, Exited, time.Second)
	}
}

func TestFleetReplacesCrashedChild(t *testing.T) {
	t.Setenv(helperEnvVar, "crash-once-then-ready")
	t.Setenv("SCRIPTPOOL_TEST_MARKER", filepath.Join(t.TempDir(), "crashed-once"))

	// handleCrash only forks a replacement while the base socket file
	// exists; without it the fleet shuts down instead.
	socketPath := filepath.Join(t.TempDir(), "worker.sock")
	if err := os.WriteFile(socketPath, nil, 0o600); err != nil {
		t.Fatalf("create base socket file: %v", err)
	}

	f := NewFleet(FleetConfig{
		WorkerBinary:  testBinaryPath(t),
		WorkerCount:   1,
		SocketPath:    socketPath,
		ShutdownGrace: 2 * time.Second,
	}, nil)

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		c := f.children[0]
		f.mu.Unlock()
		if c.getState() == Ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replacement worker never became ready, last state %s", c.getState())
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.Shutdown(2 * time.Second)
}

func TestFleetShutdownBeforeReadyEndsInExited(t *testing.T) {
	t.Setenv(helperEnvVar, "ready-and-wait")

	f := NewFleet(FleetConfig{
		WorkerBinary:  testBinaryPath(t),
		WorkerCount:   1,
		SocketPath:    filepath.Join(t.TempDir(), "worker.sock"),
		ShutdownGrace: 2 * time.Second,
	}, nil)

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Race the shutdown against readiness: whichever order, the child must
	// end Exited, never Ready-then-orphaned.
	c := f.children[0]
	c.sendShutdown()

	waitForState(t, c, Exited, 2*time.Second)
}
