package scriptpool

import (
	"context"
	"net"
	"net/http"

	"github.com/scriptpool/host/internal/telemetry"
)

// statusServer serves the WebSocket status stream on its own listener so a
// Handle can be closed without disturbing an embedding application's own
// HTTP server.
type statusServer struct {
	server *http.Server
}

func startStatusServer(addr string, hub *telemetry.StatusHub) (*statusServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/status", hub.Handler())
	srv := &http.Server{Handler: mux}

	go func() {
		_ = srv.Serve(ln)
	}()

	return &statusServer{server: srv}, nil
}

func (s *statusServer) stop(ctx context.Context) {
	_ = s.server.Shutdown(ctx)
}
