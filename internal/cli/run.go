package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clawapp/clawsync/internal/config"
	"github.com/clawapp/clawsync/internal/connectivity"
)

// NewRunCommand creates the run command: the long-lived sync process.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Run the sync engine until interrupted.

Opens the transaction log, probes backend reachability, and dispatches
queued mutations as connectivity allows. Stop with SIGINT or SIGTERM;
queued work survives in the log and resumes on the next run.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, rootOpts)
		},
	}
}

func runEngine(cmd *cobra.Command, rootOpts *RootOptions) error {
	cfg, err := config.Load(rootOpts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if cfg.API.BaseURL == "" {
		return NewExitError(ExitCommandError, "api.base_url must be configured to run the engine")
	}

	probe := connectivity.NewProbe(cfg.HealthURL(), cfg.Connectivity.ProbeInterval.Std())
	e, err := openEnvWith(rootOpts, probe)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go probe.Run(ctx)

	fmt.Fprintf(cmd.OutOrStdout(), "clawsync running against %s (log: %s)\n",
		cfg.API.BaseURL, cfg.Store.Path)

	if err := e.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "engine stopped", err)
	}
	return nil
}
