package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	scriptpool "github.com/scriptpool/host"
	"github.com/scriptpool/host/internal/wire"
	"github.com/spf13/cobra"
)

type runOptions struct {
	name    string
	expr    bool
	timeout time.Duration
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <script-file>",
		Short: "Run a single script against a freshly started worker pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScriptFile(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", "cli-script", "script name reported to the worker")
	cmd.Flags().BoolVar(&opts.expr, "expr", false, "evaluate the file as a single expression")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", requestTimeout, "worker-side execution timeout")
	return cmd
}

func runScriptFile(cmd *cobra.Command, path string, opts *runOptions) error {
	cfg, err := resolvedConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Worker.Binary == "" {
		return fmt.Errorf("--worker-binary is required (or worker.binary in --config)")
	}

	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script file: %w", err)
	}
	codeStr := string(code)

	ctx, cancel := context.WithTimeout(cmd.Context(), startupBound)
	defer cancel()

	log := newLogger()
	h, err := scriptpool.Start(ctx, scriptpool.Config{
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
	})
	if err != nil {
		return fmt.Errorf("start pool: %w", err)
	}
	defer h.Close(context.Background())

	guard, err := h.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire worker: %w", err)
	}
	defer guard.Release()

	timeoutMs := uint64(opts.timeout / time.Millisecond)
	runArgs := wire.RunScriptArgs{
		Name:      opts.name,
		Code:      &codeStr,
		Expr:      opts.expr,
		TimeoutMs: &timeoutMs,
	}

	// RunScript itself derives a host-side deadline from TimeoutMs and the
	// pool's RequestTimeoutCeiling, so cmd.Context() need not carry one.
	result, err := guard.Client().RunScript(cmd.Context(), runArgs, func(level string, message any) {
		fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %v\n", level, message)
	})
	if err != nil {
		if se := scriptpool.Classify(err); se != nil {
			return fmt.Errorf("%s: %s", se.Kind, se.Message)
		}
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
