package supervisor

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestSupervisorStartWaitsForSocketThenShutsDown(t *testing.T) {
	t.Setenv(helperEnvVar, "primary-listen")

	cfg := Config{
		PrimaryBinary:  testBinaryPath(t),
		WorkerCount:    1,
		StartupTimeout: 3 * time.Second,
		ShutdownGrace:  2 * time.Second,
	}

	sup, err := Start(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := os.Stat(sup.SocketPath()); err != nil {
		t.Fatalf("expected socket to exist after Start: %v", err)
	}

	if err := sup.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := os.Stat(sup.SocketPath()); !os.IsNotExist(err) {
		t.Fatalf("expected ephemeral socket dir removed after Shutdown, stat err: %v", err)
	}
}

func TestSupervisorStartFailsWhenSocketNeverAppears(t *testing.T) {
	cfg := Config{
		PrimaryBinary:  "/bin/sleep",
		PrimaryArgs:    nil,
		WorkerCount:    1,
		StartupTimeout: 100 * time.Millisecond,
		ShutdownGrace:  200 * time.Millisecond,
	}
	// /bin/sleep never creates the rendezvous socket: it rejects the
	// unknown --socket/--workers options and exits with an error.
	cfg.PrimaryArgs = []string{"5"}

	_, err := Start(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("expected Start to fail when the socket never becomes connectable")
	}
}
