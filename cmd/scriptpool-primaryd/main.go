// Command scriptpool-primaryd is the primary process a Handle launches via
// os/exec: it forks and supervises the worker fleet, then accepts host
// connections on the rendezvous socket and proxies each one to a leased
// worker's private socket.
//
// Grounded on grimm-is-glacic's cmd/ctl.go daemon-loop shape: parse flags,
// set up logging, install signal handling, run until told to stop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/scriptpool/host/internal/supervisor"
)

// eventLinePrefix tags a stdout line as a structured worker lifecycle event
// rather than incidental output; the embedding host process's Supervisor
// scans for it the same way Fleet.watchReady scans a worker's own stdout
// for "ready".
const eventLinePrefix = "EVENT "

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }
func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var (
		socketPath   string
		workerCount  int
		workerBinary string
		workerArgs   stringSliceFlag
		grace        time.Duration
	)
	flag.StringVar(&socketPath, "socket", "", "rendezvous socket path to listen on")
	flag.IntVar(&workerCount, "workers", 1, "number of worker processes to fork")
	flag.StringVar(&workerBinary, "worker-binary", "", "worker executable path")
	flag.Var(&workerArgs, "worker-arg", "argument to pass to each worker (repeatable)")
	flag.DurationVar(&grace, "shutdown-grace", 5*time.Second, "grace period before force-killing workers")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil)).With(slog.String("component", "scriptpool-primaryd"))

	if socketPath == "" || workerBinary == "" {
		log.Error("main() :: missing required flags", slog.String("socket", socketPath), slog.String("worker_binary", workerBinary))
		os.Exit(2)
	}

	if err := run(socketPath, workerCount, workerBinary, workerArgs, grace, log); err != nil {
		log.Error("main() :: exiting", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(socketPath string, workerCount int, workerBinary string, workerArgs []string, grace time.Duration, log *slog.Logger) error {
	fleet := supervisor.NewFleet(supervisor.FleetConfig{
		WorkerBinary:  workerBinary,
		WorkerArgs:    workerArgs,
		WorkerCount:   workerCount,
		SocketPath:    socketPath,
		ShutdownGrace: grace,
		Stderr:        os.Stderr,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := fleet.Start(ctx); err != nil {
		return fmt.Errorf("start fleet: %w", err)
	}
	go forwardWorkerEvents(fleet, os.Stdout, log)

	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		fleet.Shutdown(grace)
		return fmt.Errorf("listen on rendezvous socket: %w", err)
	}

	var wg sync.WaitGroup
	shutdown := make(chan struct{})

	stop := supervisor.WatchSignals(ctx, grace, func() {
		close(shutdown)
		_ = ln.Close()
	})
	defer stop()

	go func() {
		<-shutdown
		fleet.Shutdown(grace)
	}()

	log.Info("run() :: listening", slog.String("socket", socketPath), slog.Int("workers", workerCount))

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-shutdown:
				wg.Wait()
				_ = os.Remove(socketPath)
				return nil
			default:
				log.Warn("run() :: accept_failed", slog.String("error", err.Error()))
				continue
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleConnection(conn, fleet, log)
		}()
	}
}

// forwardWorkerEvents relays every fleet lifecycle transition to w as a
// single JSON line prefixed with eventLinePrefix. This is the only control
// channel back to the embedding host process: everything else this process
// writes to a host connection is raw worker-protocol bytes.
func forwardWorkerEvents(fleet *supervisor.Fleet, w io.Writer, log *slog.Logger) {
	for ev := range fleet.Events() {
		body, err := json.Marshal(ev)
		if err != nil {
			log.Warn("forwardWorkerEvents() :: marshal_failed", slog.String("error", err.Error()))
			continue
		}
		if _, err := fmt.Fprintf(w, "%s%s\n", eventLinePrefix, body); err != nil {
			log.Warn("forwardWorkerEvents() :: write_failed", slog.String("error", err.Error()))
			return
		}
	}
}

// handleConnection leases a Ready worker and proxies raw bytes between the
// accepted host connection and that worker's private socket until either
// side closes.
func handleConnection(hostConn net.Conn, fleet *supervisor.Fleet, log *slog.Logger) {
	defer hostConn.Close()

	idx, workerSocket, err := leaseWithRetry(fleet, 2*time.Second)
	if err != nil {
		log.Warn("handleConnection() :: no_worker_available", slog.String("error", err.Error()))
		return
	}
	defer fleet.Release(idx)

	workerConn, err := net.Dial("unix", workerSocket)
	if err != nil {
		log.Warn("handleConnection(idx) :: dial_worker_failed", slog.Int("idx", idx), slog.String("error", err.Error()))
		return
	}
	defer workerConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(workerConn, hostConn)
		_ = workerConn.(*net.UnixConn).CloseWrite()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(hostConn, workerConn)
		_ = hostConn.(*net.UnixConn).CloseWrite()
	}()
	wg.Wait()
}

func leaseWithRetry(fleet *supervisor.Fleet, timeout time.Duration) (int, string, error) {
	deadline := time.Now().Add(timeout)
	for {
		idx, path, err := fleet.LeaseReady()
		if err == nil {
			return idx, path, nil
		}
		if !errors.Is(err, supervisor.ErrNoReadyWorker) {
			return 0, "", err
		}
		if time.Now().After(deadline) {
			return 0, "", err
		}
		time.Sleep(10 * time.Millisecond)
	}
}
