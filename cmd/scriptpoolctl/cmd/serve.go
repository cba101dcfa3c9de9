package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	scriptpool "github.com/scriptpool/host"
	"github.com/scriptpool/host/internal/telemetry"
	"github.com/spf13/cobra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

type serveOptions struct {
	metricsListen string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a long-lived worker pool and block until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.metricsListen, "metrics-listen", "", "address to serve Prometheus metrics on")
	return cmd
}

func serve(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := resolvedConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Worker.Binary == "" {
		return fmt.Errorf("--worker-binary is required (or worker.binary in --config)")
	}

	log := newLogger()

	metricsListen := opts.metricsListen
	if metricsListen == "" {
		metricsListen = cfg.Telemetry.MetricsListen
	}

	var metrics *telemetry.Metrics
	if metricsListen != "" {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsListen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("serve() :: metrics_server_failed", "error", err)
			}
		}()
	}

	startCtx, cancel := context.WithTimeout(cmd.Context(), startupBound)
	defer cancel()

	h, err := scriptpool.Start(startCtx, scriptpool.Config{
		WorkerBinary:          cfg.Worker.Binary,
		WorkerArgs:            cfg.Worker.Args,
		WorkerCount:           cfg.Worker.Count,
		PrimaryBinary:         cfg.Primary.Binary,
		PrimaryArgs:           cfg.Primary.Args,
		SocketPath:            cfg.Primary.SocketPath,
		StartupTimeout:        cfg.Primary.StartupTimeout,
		ShutdownGrace:         cfg.Primary.ShutdownGrace,
		RequestTimeoutCeiling: cfg.Pool.RequestTimeoutCeiling,
		Logger:                log,
		Metrics:               metrics,
		StatusListenAddr:      cfg.Telemetry.StatusListen,
	})
	if err != nil {
		return fmt.Errorf("start pool: %w", err)
	}

	log.Info("serve() :: running", "workers", cfg.Worker.Count, "status_listen", cfg.Telemetry.StatusListen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	log.Info("serve() :: shutting_down")
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	return h.Close(closeCtx)
}
