// Command scriptpoolctl is a small operator CLI over the scriptpool host
// library: it can run a one-off script against a fresh pool, or start a
// long-lived pool serving a status stream for other tools to watch.
//
// Grounded on ragadmin's cmd package: one root command wiring persistent
// flags into a shared runtime state, one file per subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/scriptpool/host/cmd/scriptpoolctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "scriptpoolctl:", err)
		os.Exit(1)
	}
}
