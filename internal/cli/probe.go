package cli

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/roach88/flbridge/internal/supervisor"
)

// NewProbeCommand creates the probe command.
func NewProbeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check whether FL Studio answers",
		Long: `Send the no-op ping command and report the connection state.

Exits 0 when the host answered, 1 otherwise.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(rootOpts, cmd)
		},
	}
}

func runProbe(opts *RootOptions, cmd *cobra.Command) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	state, perr := a.bridge.Probe(ctx)
	snap := a.sup.Snapshot()
	err = opts.formatter(cmd).Render(snap, func(w io.Writer) error {
		pterm.Fprintln(w, "Connection: "+stateStyle(state).Sprint(string(state)))
		if !snap.LastSuccess.IsZero() {
			fmt.Fprintf(w, "Last answer: %s\n", snap.LastSuccess.Format("15:04:05.000"))
		}
		if perr != nil {
			fmt.Fprintf(w, "Probe error: %v\n", perr)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if state != supervisor.StateConnected {
		return WrapExitError(ExitFailure, "host did not answer", perr)
	}
	return nil
}

func stateStyle(s supervisor.State) *pterm.Style {
	switch s {
	case supervisor.StateConnected:
		return pterm.NewStyle(pterm.FgGreen, pterm.Bold)
	case supervisor.StateDisconnected:
		return pterm.NewStyle(pterm.FgRed, pterm.Bold)
	default:
		return pterm.NewStyle(pterm.FgYellow)
	}
}
