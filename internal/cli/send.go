package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/roach88/flbridge/internal/bridge"
	"github.com/roach88/flbridge/internal/command"
	"github.com/roach88/flbridge/internal/vocab"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Args    string
	Channel string
	List    bool
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <op>",
		Short: "Send one command and wait for the response",
		Long: `Send one command to FL Studio and wait for its response.

The op is validated against the command vocabulary before anything is
written. Piano-roll ops run on the batch channel, everything else on the
live channel.

Examples:
  flbridge send transport.start
  flbridge send mixer.setTrackVolume --args '{"track":1,"volume":0.8}'
  flbridge send --list`,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.List {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.List {
				return listOps(opts, cmd)
			}
			return runSend(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Args, "args", "{}", "command arguments as a JSON object")
	cmd.Flags().StringVar(&opts.Channel, "channel", "", "force the channel (live|batch)")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list every known op")

	return cmd
}

// parseArgs decodes a JSON object preserving key order.
func parseArgs(s string) (*command.Args, error) {
	args := command.NewArgs()
	if s == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(s), args); err != nil {
		return nil, fmt.Errorf("invalid --args JSON: %w", err)
	}
	return args, nil
}

// signalContext is cancelled on SIGINT/SIGTERM so an interrupted command
// retracts its request.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runSend(opts *SendOptions, op string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	args, err := parseArgs(opts.Args)
	if err != nil {
		return WrapExitError(ExitCommandError, "bad arguments", err)
	}
	var ch command.Channel
	if opts.Channel != "" {
		if ch, err = command.ParseChannel(opts.Channel); err != nil {
			return WrapExitError(ExitCommandError, "bad channel", err)
		}
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.bridge.Execute(ctx, ch, op, args)
	return report(out, op, res, err)
}

// report prints the outcome of a bridge command and maps failures to an
// exit code.
func report(out *OutputFormatter, op string, res bridge.Result, err error) error {
	if err != nil {
		if ferr := out.BridgeError(res.RequestID, err); ferr != nil {
			return ferr
		}
		return bridgeExit(op+" failed", err)
	}
	return out.Render(res, func(w io.Writer) error {
		pterm.Fprintln(w, pterm.NewStyle(pterm.FgGreen, pterm.Bold).Sprint("✓ ")+op+
			pterm.NewStyle(pterm.FgGray).Sprintf("  (%s, %d attempt(s), %s)", res.RequestID, res.Attempts, res.Latency.Round(time.Millisecond)))
		if len(res.Payload) == 0 {
			return nil
		}
		keys := make([]string, 0, len(res.Payload))
		for k := range res.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := json.Marshal(res.Payload[k])
			if err != nil {
				v = []byte(fmt.Sprint(res.Payload[k]))
			}
			pterm.Fprintln(w, pterm.NewStyle(pterm.FgLightCyan).Sprint("  "+k+": ")+string(v))
		}
		return nil
	})
}

func listOps(opts *SendOptions, cmd *cobra.Command) error {
	v, err := vocab.Default()
	if err != nil {
		return WrapExitError(ExitFailure, "vocabulary unavailable", err)
	}
	ops := v.Ops()
	type entry struct {
		Op      string          `json:"op"`
		Channel command.Channel `json:"channel"`
	}
	entries := make([]entry, len(ops))
	for i, op := range ops {
		entries[i] = entry{Op: op, Channel: vocab.ChannelFor(op)}
	}
	return opts.formatter(cmd).Render(entries, func(w io.Writer) error {
		for _, e := range entries {
			fmt.Fprintf(w, "%-28s %s\n", e.Op, e.Channel)
		}
		return nil
	})
}
