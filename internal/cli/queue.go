package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/flbridge/internal/command"
)

// ClearOptions holds flags for the clear command.
type ClearOptions struct {
	*RootOptions
	Channel string
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClearOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop unconsumed requests",
		Long: `Remove the request and response files of a channel without executing
them. Use this to cancel queued piano-roll edits before triggering the
script.

Examples:
  flbridge clear                 # batch channel
  flbridge clear --channel live`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Channel, "channel", string(command.ChannelBatch), "channel to clear (live|batch|all)")

	return cmd
}

func runClear(opts *ClearOptions, cmd *cobra.Command) error {
	channels := command.Channels()
	if opts.Channel != "all" {
		ch, err := command.ParseChannel(opts.Channel)
		if err != nil {
			return WrapExitError(ExitCommandError, "bad channel", err)
		}
		channels = []command.Channel{ch}
	}

	a, err := openApp(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, ch := range channels {
		if err := a.bridge.ClearQueue(ch); err != nil {
			return bridgeExit("failed to clear "+string(ch), err)
		}
	}
	return opts.formatter(cmd).Render(map[string]any{"cleared": channels}, func(w io.Writer) error {
		for _, ch := range channels {
			fmt.Fprintf(w, "Cleared %s queue.\n", ch)
		}
		return nil
	})
}

// NewTriggerCommand creates the trigger command.
func NewTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Run the piano-roll script now",
		Long: `Send the piano-roll script shortcut without writing a request, so FL
Studio processes whatever is queued and refreshes the state export.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.bridge.TriggerScript(); err != nil {
				return bridgeExit("trigger failed", err)
			}
			return rootOpts.formatter(cmd).Success("Piano-roll script triggered.")
		},
	}
}
