package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type statusOptions struct {
	addr string
}

func newStatusCommand() *cobra.Command {
	opts := &statusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Watch a running pool's status stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watchStatus(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "status stream address, e.g. ws://127.0.0.1:9090/status (required)")
	return cmd
}

func watchStatus(cmd *cobra.Command, opts *statusOptions) error {
	addr := strings.TrimSpace(opts.addr)
	if addr == "" {
		return fmt.Errorf("--addr is required")
	}

	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial status stream: %w", err)
	}
	defer conn.Close()

	out := cmd.OutOrStdout()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("status stream closed: %w", err)
		}

		var pretty map[string]any
		if json.Unmarshal(data, &pretty) == nil {
			formatted, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Fprintln(out, string(formatted))
			continue
		}
		fmt.Fprintln(out, string(data))
	}
}
