package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/flbridge/internal/command"
	"github.com/roach88/flbridge/internal/hostsim"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Interval time.Duration
	Channels int
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Answer requests in place of FL Studio",
		Long: `Serve the configured mailboxes with a simulated host, for developing
against the bridge without FL Studio running.

The simulator cannot hear wake signals, so it polls the request files. It
keeps a small project (transport, mixer, channels, piano roll) and writes
the piano-roll state export like the real script.

Example:
  flbridge simulate &
  flbridge send transport.start`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 50*time.Millisecond, "request poll interval")
	cmd.Flags().IntVar(&opts.Channels, "channels", 8, "channel rack size")

	return cmd
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command) error {
	if opts.Interval <= 0 {
		return NewExitError(ExitCommandError, "--interval must be positive")
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	layouts := cfg.Layouts()
	studio := hostsim.NewStudio(layouts[command.ChannelBatch].StatePath(), opts.Channels)
	host := hostsim.New(layouts, studio.Handle)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	out := opts.formatter(cmd)
	for _, ch := range command.Channels() {
		out.VerboseLog("serving %s: %s", ch, layouts[ch].RequestPath())
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Simulating FL Studio. Press Ctrl-C to stop.")

	if err := host.Run(ctx, opts.Interval); err != nil {
		return WrapExitError(ExitFailure, "simulator error", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Answered %d request(s).\n", len(host.Received()))
	return nil
}
