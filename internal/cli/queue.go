package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawapp/clawsync/internal/txn"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	FailedOnly bool
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued and failed transactions",
		Long: `List queued and failed transactions.

Shows every transaction still in the local log: waiting, in flight, or
failed. Failed rows include the last error and can be retried or
discarded by id.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showQueue(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.FailedOnly, "failed", false, "show only failed transactions")

	return cmd
}

func showQueue(cmd *cobra.Command, opts *QueueOptions) error {
	e, err := openEnv(opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	var rows []txn.Transaction
	if !opts.FailedOnly {
		pending, err := e.store.ListPending(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "list pending", err)
		}
		rows = append(rows, pending...)
	}
	failed, err := e.store.ListFailed(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "list failed", err)
	}
	rows = append(rows, failed...)

	f := newFormatter(opts.RootOptions, cmd)
	if f.Format == "json" {
		return f.Success(rows)
	}

	renderQueue(cmd.OutOrStdout(), rows)
	return nil
}

// renderQueue writes the human-readable queue table.
func renderQueue(w io.Writer, rows []txn.Transaction) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTARGET\tSTATUS\tATTEMPTS\tCREATED\tERROR")
	for _, t := range rows {
		target := t.Payload.TargetID()
		if target == "" {
			target = t.OptimisticID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(t.ID),
			strings.ToLower(string(t.Type)),
			shortID(target),
			t.Status,
			t.Attempts,
			t.CreatedAt.UTC().Format(time.RFC3339),
			t.LastError,
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d transaction(s)\n", len(rows))
}

// shortID truncates long ids for table display.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
