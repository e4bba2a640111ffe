package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawapp/clawsync/internal/txn"
)

// StrikeOptions holds flags for the strike command.
type StrikeOptions struct {
	*RootOptions
	Lat float64
	Lng float64
}

// NewStrikeCommand creates the strike command.
func NewStrikeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StrikeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "strike <claw-id>",
		Short: "Strike a claw (act on it)",
		Long: `Strike a claw (act on it).

The claw id may be an optimistic id from a capture that has not synced
yet; the strike waits for the capture to confirm and dispatches against
the server-assigned id.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := &txn.StrikePayload{ClawID: args[0]}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
				payload.Lat = &opts.Lat
				payload.Lng = &opts.Lng
			}
			return enqueueMutation(cmd, opts.RootOptions, txn.TypeStrike, payload)
		},
	}

	cmd.Flags().Float64Var(&opts.Lat, "lat", 0, "strike latitude")
	cmd.Flags().Float64Var(&opts.Lng, "lng", 0, "strike longitude")

	return cmd
}

// NewReleaseCommand creates the release command.
func NewReleaseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "release <claw-id>",
		Short:         "Release a claw (let it go)",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueMutation(cmd, rootOpts, txn.TypeRelease, &txn.ReleasePayload{ClawID: args[0]})
		},
	}
}

// ExtendOptions holds flags for the extend command.
type ExtendOptions struct {
	*RootOptions
	Days int
}

// NewExtendCommand creates the extend command.
func NewExtendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExtendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "extend <claw-id>",
		Short:         "Extend a claw's expiry",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueMutation(cmd, rootOpts, txn.TypeExtend,
				&txn.ExtendPayload{ClawID: args[0], Days: opts.Days})
		},
	}

	cmd.Flags().IntVar(&opts.Days, "days", 0, "days to extend by (1-30, default 7)")

	return cmd
}

// enqueueMutation appends a strike/release/extend transaction and reports
// its id.
func enqueueMutation(cmd *cobra.Command, rootOpts *RootOptions, typ txn.Type, payload txn.Payload) error {
	e, err := openEnv(rootOpts)
	if err != nil {
		return err
	}
	defer e.Close()

	t, err := e.engine.Enqueue(cmd.Context(), typ, payload, nil)
	if err != nil {
		return enqueueError(rootOpts, cmd, err)
	}

	f := newFormatter(rootOpts, cmd)
	if f.Format == "json" {
		return f.Success(map[string]string{"transaction_id": t.ID})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s queued for %s (transaction %s)\n",
		typ, payload.TargetID(), shortID(t.ID))
	return nil
}
