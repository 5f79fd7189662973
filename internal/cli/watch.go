package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/roach88/flbridge/internal/supervisor"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Interval time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Probe the host periodically and print state changes",
		Long: `Ping FL Studio every interval and print each connection state change
until interrupted. In JSON mode each transition is one JSON line.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 5*time.Second, "time between probes")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	if opts.Interval <= 0 {
		return NewExitError(ExitCommandError, "--interval must be positive")
	}
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	transitions, unsubscribe := a.sup.Subscribe(16)
	printed := make(chan struct{})
	defer func() {
		unsubscribe()
		<-printed
	}()

	w := cmd.OutOrStdout()
	enc := json.NewEncoder(w)
	go func() {
		defer close(printed)
		for t := range transitions {
			if t.To == supervisor.StateProbing {
				continue
			}
			if opts.Format == "json" {
				_ = enc.Encode(t)
				continue
			}
			pterm.Fprintln(w, fmt.Sprintf("%s  %s -> ", t.At.Format("15:04:05"), t.From)+
				stateStyle(t.To).Sprint(string(t.To))+"  "+t.Reason)
		}
	}()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		_, _ = a.bridge.Probe(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
