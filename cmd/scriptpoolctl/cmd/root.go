// Package cmd wires the scriptpoolctl command hierarchy.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	iconfig "github.com/scriptpool/host/internal/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath       string
	workerBinary     string
	workerCount      int
	primaryBinary    string
	socketPath       string
	statusListenAddr string
	logLevel         string
}

var rootOpts = &rootOptions{}

// Execute runs the scriptpoolctl command tree.
func Execute() error {
	return newRootCommand().Execute()
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "scriptpoolctl",
		Short:         "Operate a scriptpool worker pool",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&rootOpts.configPath, "config", "", "path to a YAML config file (flags below override its values)")
	root.PersistentFlags().StringVar(&rootOpts.workerBinary, "worker-binary", "", "worker executable path (required unless set in --config)")
	root.PersistentFlags().IntVar(&rootOpts.workerCount, "workers", 1, "number of worker processes")
	root.PersistentFlags().StringVar(&rootOpts.primaryBinary, "primary-binary", "", "primary daemon executable (defaults to scriptpool-primaryd on PATH)")
	root.PersistentFlags().StringVar(&rootOpts.socketPath, "socket", "", "rendezvous socket path (defaults to an ephemeral one)")
	root.PersistentFlags().StringVar(&rootOpts.statusListenAddr, "status-listen", "", "address to serve the WebSocket status stream on")
	root.PersistentFlags().StringVar(&rootOpts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.SetContext(context.Background())
	root.AddCommand(newRunCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newStatusCommand())
	return root
}

// resolvedConfig loads internal/config.Config from --config (or the
// built-in defaults if it's unset) and overlays any persistent flag the
// caller explicitly set, so a config file supplies the baseline and flags
// win when both are present.
func resolvedConfig(cmd *cobra.Command) (iconfig.Config, error) {
	cfg, err := iconfig.Load(rootOpts.configPath)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("worker-binary") {
		cfg.Worker.Binary = rootOpts.workerBinary
	}
	if flags.Changed("workers") {
		cfg.Worker.Count = rootOpts.workerCount
	}
	if flags.Changed("primary-binary") {
		cfg.Primary.Binary = rootOpts.primaryBinary
	}
	if flags.Changed("socket") {
		cfg.Primary.SocketPath = rootOpts.socketPath
	}
	if flags.Changed("status-listen") {
		cfg.Telemetry.StatusListen = rootOpts.statusListenAddr
	}
	if cfg.Worker.Count == 0 {
		cfg.Worker.Count = 1
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(rootOpts.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

const (
	requestTimeout = 30 * time.Second
	startupBound   = 20 * time.Second
)
