package cli

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/roach88/flbridge/internal/bridge"
	"github.com/roach88/flbridge/internal/signal/rtmidiport"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Probe bool
}

// StatusResult is the status command output.
type StatusResult struct {
	bridge.Status
	MIDIPorts []string `json:"midi_ports,omitempty"`
	MIDIError string   `json:"midi_error,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show mailboxes, signals and connection state",
		Long: `Show the platform, the mailbox files of each channel, the wake signal
of each channel and the available MIDI outputs.

With --probe the host is pinged first so the connection state is current.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Probe, "probe", false, "ping the host before reporting")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.Probe {
		// The outcome lands in the connection snapshot.
		_, _ = a.bridge.Probe(ctx)
	}

	res := StatusResult{Status: a.bridge.Status()}
	if opts.Wakers == nil {
		if ports, err := rtmidiport.ListOutputs(); err != nil {
			res.MIDIError = err.Error()
		} else {
			res.MIDIPorts = ports
		}
	}

	return opts.formatter(cmd).Render(res, func(w io.Writer) error {
		return renderStatus(w, res)
	})
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func renderStatus(w io.Writer, res StatusResult) error {
	head := pterm.NewStyle(pterm.FgLightCyan, pterm.Bold)
	conn := res.Connection

	pterm.Fprintln(w, head.Sprint("Connection"))
	pterm.Fprintln(w, "  state:    "+stateStyle(conn.State).Sprint(string(conn.State)))
	if !conn.LastSuccess.IsZero() {
		fmt.Fprintf(w, "  answered: %s\n", conn.LastSuccess.Format("2006-01-02 15:04:05"))
	}
	if conn.LastError != "" {
		fmt.Fprintf(w, "  error:    %s\n", conn.LastError)
	}
	fmt.Fprintf(w, "  platform: %s\n", res.Platform)

	rows := [][]string{{"channel", "signal", "request pending", "response waiting", "timeout", "retries"}}
	for _, ch := range res.Channels {
		sig := ch.Signal
		if sig == "" {
			sig = "none"
		}
		if ch.SignalError != "" {
			sig += " (failed: " + ch.SignalError + ")"
		}
		rows = append(rows, []string{
			string(ch.Channel), sig, yesNo(ch.RequestPending), yesNo(ch.ResponseWaits),
			ch.Policy.AttemptTimeout.String(), fmt.Sprint(ch.Policy.MaxRetries),
		})
	}
	pterm.Fprintln(w)
	pterm.Fprintln(w, head.Sprint("Channels"))
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).WithWriter(w).Render(); err != nil {
		return err
	}

	pterm.Fprintln(w)
	pterm.Fprintln(w, head.Sprint("Mailboxes"))
	for _, ch := range res.Channels {
		fmt.Fprintf(w, "  %-6s %s\n", ch.Channel, ch.RequestFile)
		if ch.StateFile != "" {
			fmt.Fprintf(w, "  %-6s %s (exists: %s)\n", "state", ch.StateFile, yesNo(ch.StateExists))
		}
		if ch.Keystroke != "" {
			fmt.Fprintf(w, "  %-6s %s (auto trigger: %s)\n", "key", ch.Keystroke, yesNo(ch.AutoTrigger))
		}
	}

	if len(res.Pending) > 0 {
		pterm.Fprintln(w)
		pterm.Fprintln(w, head.Sprint("Pending"))
		for _, p := range res.Pending {
			fmt.Fprintf(w, "  %s %s %s (%s, attempt %d)\n", p.RequestID, p.Channel, p.Op, p.State, p.Attempt)
		}
	}

	if len(res.MIDIPorts) > 0 || res.MIDIError != "" {
		pterm.Fprintln(w)
		pterm.Fprintln(w, head.Sprint("MIDI outputs"))
		for _, p := range res.MIDIPorts {
			fmt.Fprintf(w, "  %s\n", p)
		}
		if res.MIDIError != "" {
			fmt.Fprintf(w, "  unavailable: %s\n", res.MIDIError)
		}
	}
	return nil
}
