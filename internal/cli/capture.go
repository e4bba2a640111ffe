package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawapp/clawsync/internal/txn"
)

// CaptureOptions holds flags for the capture command.
type CaptureOptions struct {
	*RootOptions
	ContentType  string
	Lat          float64
	Lng          float64
	LocationName string
	TimeContext  string
	AppTrigger   string
}

// NewCaptureCommand creates the capture command.
func NewCaptureCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CaptureOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "capture <content>",
		Short: "Capture a new claw",
		Long: `Capture a new claw.

The claw is appended to the local log and assigned an optimistic id
immediately; a running engine syncs it to the backend when connectivity
allows.

Example:
  clawsync capture "call the dentist" --time-context morning`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueCapture(cmd, opts, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVar(&opts.ContentType, "content-type", "text", "content type (text|voice|photo)")
	cmd.Flags().Float64Var(&opts.Lat, "lat", 0, "capture latitude")
	cmd.Flags().Float64Var(&opts.Lng, "lng", 0, "capture longitude")
	cmd.Flags().StringVar(&opts.LocationName, "location-name", "", "human-readable capture location")
	cmd.Flags().StringVar(&opts.TimeContext, "time-context", "", "time context (morning|afternoon|evening|night)")
	cmd.Flags().StringVar(&opts.AppTrigger, "app-trigger", "", "app the capture was triggered from")

	return cmd
}

func enqueueCapture(cmd *cobra.Command, opts *CaptureOptions, content string) error {
	payload := &txn.CapturePayload{
		Content:      content,
		ContentType:  opts.ContentType,
		LocationName: opts.LocationName,
		TimeContext:  opts.TimeContext,
		AppTrigger:   opts.AppTrigger,
	}
	if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
		payload.LocationLat = &opts.Lat
		payload.LocationLng = &opts.Lng
	}

	e, err := openEnv(opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	t, err := e.engine.Enqueue(cmd.Context(), txn.TypeCapture, payload, nil)
	if err != nil {
		return enqueueError(opts.RootOptions, cmd, err)
	}

	f := newFormatter(opts.RootOptions, cmd)
	if f.Format == "json" {
		return f.Success(map[string]string{
			"transaction_id": t.ID,
			"optimistic_id":  t.OptimisticID,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "captured as %s (transaction %s)\n",
		t.OptimisticID, shortID(t.ID))
	return nil
}

// enqueueError renders a synchronous enqueue rejection. Validation is the
// only synchronous failure mode; anything else is a log I/O problem.
func enqueueError(rootOpts *RootOptions, cmd *cobra.Command, err error) error {
	if txn.IsValidation(err) {
		f := newFormatter(rootOpts, cmd)
		f.Error("validation", err.Error(), nil)
		return NewExitError(ExitFailure, err.Error())
	}
	return WrapExitError(ExitCommandError, "enqueue", err)
}
