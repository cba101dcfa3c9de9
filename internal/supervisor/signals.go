package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// killGracefully sends SIGTERM to proc and escalates to Kill if done has not
// closed within grace. Grounded on grimm-is-glacic's spawnAPI/spawnProxy
// SIGTERM-then-Kill sequence.
func killGracefully(proc *os.Process, grace time.Duration, done <-chan struct{}) {
	if proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(grace):
		_ = proc.Kill()
	}
}

// WatchSignals installs SIGTERM/SIGINT handling for a process that owns a
// worker fleet: the first signal invokes onGraceful in its own goroutine; a
// second signal received before grace elapses forces immediate exit(1).
// Returns a stop function that cancels the watch without exiting.
func WatchSignals(ctx context.Context, grace time.Duration, onGraceful func()) (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})

	go func() {
		defer signal.Stop(ch)
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ch:
		}
		go onGraceful()
		select {
		case <-ctx.Done():
		case <-done:
		case <-ch:
			os.Exit(1)
		case <-time.After(grace):
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
