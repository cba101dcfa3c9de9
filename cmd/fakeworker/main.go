// Command fakeworker is a minimal, deterministic stand-in for the real
// script-execution engine, which is out of scope for this repository. It
// speaks both halves of the worker contract: the binary wire protocol on
// its private socket, and the supervisor's stdin/stdout control channel.
//
// It is used by this module's own tests and by local
// "scriptpoolctl serve --worker-binary" demos; it never runs untrusted
// code, it only echoes back deterministic responses shaped like the real
// thing.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/scriptpool/host/internal/wire"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil)).With(slog.String("component", "fakeworker"))

	socketPath := os.Getenv("SOCKET_PATH")
	if socketPath == "" {
		fmt.Fprintln(os.Stderr, "fakeworker: SOCKET_PATH is required")
		os.Exit(2)
	}

	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fakeworker: listen: %v\n", err)
		os.Exit(2)
	}

	shutdown := make(chan struct{})
	go watchControlChannel(shutdown)

	fmt.Println("ready")

	go func() {
		<-shutdown
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-shutdown:
				wg.Wait()
				os.Exit(0)
			default:
				log.Warn("main() :: accept_failed", slog.String("error", err.Error()))
				os.Exit(1)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConnection(conn, log)
		}()
	}
}

// watchControlChannel reads the parent's control lines and closes shutdown
// on the literal "shutdown" line, matching supervisor.Fleet's protocol.
func watchControlChannel(shutdown chan<- struct{}) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "shutdown" {
			close(shutdown)
			return
		}
	}
	close(shutdown)
}

func serveConnection(conn net.Conn, log *slog.Logger) {
	defer conn.Close()
	dec := wire.NewDecoder(conn)
	var writeMu sync.Mutex

	write := func(f wire.Frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := wire.WriteTo(conn, f); err != nil {
			log.Warn("serveConnection() :: write_failed", slog.String("error", err.Error()))
		}
	}

	for {
		f, err := dec.Next()
		if err != nil {
			if err != io.EOF {
				log.Warn("serveConnection() :: decode_failed", slog.String("error", err.Error()))
			}
			return
		}

		switch f.Type {
		case wire.TypePing:
			write(wire.Frame{RequestID: f.RequestID, MessageID: f.MessageID, Type: wire.TypePong})

		case wire.TypeRunScript:
			handleRunScript(f, write)

		default:
			log.Warn("serveConnection() :: unexpected_type", slog.String("type", f.Type.String()))
		}
	}
}

func handleRunScript(f wire.Frame, write func(wire.Frame)) {
	var args wire.RunScriptArgs
	if err := json.Unmarshal(f.Payload, &args); err != nil {
		body, _ := json.Marshal(wire.ErrorPayload{Message: "invalid run script payload: " + err.Error()})
		write(wire.Frame{RequestID: f.RequestID, MessageID: f.MessageID + 1, Type: wire.TypeError, Payload: body})
		return
	}

	logBody, _ := json.Marshal(wire.LogPayload{Level: "info", Message: "running " + args.Name})
	write(wire.Frame{RequestID: f.RequestID, MessageID: f.MessageID + 1, Type: wire.TypeLog, Payload: logBody})

	// A script named or coded to contain "throw" deterministically fails,
	// so tests and demos can exercise the ERROR path without a real engine.
	if strings.Contains(args.Name, "throw") || (args.Code != nil && strings.Contains(*args.Code, "throw")) {
		body, _ := json.Marshal(wire.ErrorPayload{Message: "simulated script failure", Stack: "at " + args.Name})
		write(wire.Frame{RequestID: f.RequestID, MessageID: f.MessageID + 2, Type: wire.TypeError, Payload: body})
		return
	}

	resp := wire.RunResponseData{Globals: args.Globals, ReturnValue: args.Name}
	body, _ := json.Marshal(resp)
	write(wire.Frame{RequestID: f.RequestID, MessageID: f.MessageID + 2, Type: wire.TypeRunResponse, Payload: body})
}
