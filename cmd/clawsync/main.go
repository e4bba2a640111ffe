// Command clawsync is the offline-first sync engine for claw captures:
// mutations queue in a durable local log and dispatch to the backend when
// connectivity allows.
package main

import (
	"fmt"
	"os"

	"github.com/clawapp/clawsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
