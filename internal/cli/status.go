package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync queue counters",
		Long: `Show sync queue counters.

Reads the local transaction log only; no network access. Pending counts
transactions waiting to dispatch, syncing counts in-flight attempts, and
failed counts transactions needing retry or discard.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd, rootOpts)
		},
	}
}

func showStatus(cmd *cobra.Command, rootOpts *RootOptions) error {
	e, err := openEnv(rootOpts)
	if err != nil {
		return err
	}
	defer e.Close()

	status, err := e.engine.GetStatus(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "read status", err)
	}

	f := newFormatter(rootOpts, cmd)
	if f.Format == "json" {
		return f.Success(status)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %d pending", color.New(color.FgYellow).Sprint("●"), status.Pending)
	fmt.Fprintf(&b, "  %s %d syncing", color.New(color.FgCyan).Sprint("●"), status.Syncing)
	if status.Failed > 0 {
		fmt.Fprintf(&b, "  %s %d failed", color.New(color.FgRed).Sprint("●"), status.Failed)
	} else {
		fmt.Fprintf(&b, "  %s 0 failed", color.New(color.FgHiGreen).Sprint("●"))
	}
	fmt.Fprintln(cmd.OutOrStdout(), b.String())
	return nil
}
