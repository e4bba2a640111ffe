package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawapp/clawsync/internal/txn"
)

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <transaction-id>",
		Short: "Re-queue a failed transaction",
		Long: `Re-queue a failed transaction.

Resets the attempt counter and returns the transaction to the queue; a
running engine dispatches it again. Only failed transactions can be
retried; find their ids with 'clawsync queue --failed'.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return retryTransaction(cmd, rootOpts, args[0])
		},
	}
}

func retryTransaction(cmd *cobra.Command, rootOpts *RootOptions, id string) error {
	e, err := openEnv(rootOpts)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.engine.Retry(cmd.Context(), id); err != nil {
		if txn.IsNotFound(err) {
			return NewExitError(ExitFailure, fmt.Sprintf("transaction %s not found", id))
		}
		return WrapExitError(ExitFailure, "retry", err)
	}

	f := newFormatter(rootOpts, cmd)
	if f.Format == "json" {
		return f.Success(map[string]string{"transaction_id": id, "action": "retried"})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "transaction %s re-queued\n", shortID(id))
	return nil
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <transaction-id>",
		Short: "Permanently drop a failed transaction",
		Long: `Permanently drop a failed transaction.

The transaction is removed from the log and will never dispatch. The
optimistic state it produced should be rolled back by the consumer.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return discardTransaction(cmd, rootOpts, args[0])
		},
	}
}

func discardTransaction(cmd *cobra.Command, rootOpts *RootOptions, id string) error {
	e, err := openEnv(rootOpts)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.engine.Discard(cmd.Context(), id); err != nil {
		if txn.IsNotFound(err) {
			return NewExitError(ExitFailure, fmt.Sprintf("transaction %s not found", id))
		}
		return WrapExitError(ExitFailure, "discard", err)
	}

	f := newFormatter(rootOpts, cmd)
	if f.Format == "json" {
		return f.Success(map[string]string{"transaction_id": id, "action": "discarded"})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "transaction %s discarded\n", shortID(id))
	return nil
}
