package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/roach88/flbridge/internal/bridge"
)

// NewNotesCommand creates the notes command group.
func NewNotesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "Edit the open piano roll",
		Long: `Edit notes in the piano roll that is open in FL Studio.

Edits travel on the batch channel: the request is written to the piano-roll
script's mailbox and the script's shortcut is sent to FL Studio. Times and
durations are in quarter notes; MIDI 60 is C4.`,
	}

	cmd.AddCommand(newNotesAddCommand(rootOpts))
	cmd.AddCommand(newNotesChordCommand(rootOpts))
	cmd.AddCommand(newNotesDeleteCommand(rootOpts))
	cmd.AddCommand(newNotesClearCommand(rootOpts))
	cmd.AddCommand(newNotesStateCommand(rootOpts))

	return cmd
}

type notesAddOptions struct {
	*RootOptions
	Notes   string
	Replace bool
}

func newNotesAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &notesAddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add notes",
		Long: `Add notes given as a JSON array.

Example:
  flbridge notes add --notes '[{"midi":60,"duration":1},{"midi":64,"time":1,"duration":0.5,"velocity":0.6}]'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var notes []bridge.Note
			if err := json.Unmarshal([]byte(opts.Notes), &notes); err != nil {
				return WrapExitError(ExitCommandError, "invalid --notes JSON", err)
			}
			return withBridge(opts.RootOptions, cmd, "pianoroll.addNotes", func(b *bridge.Bridge) (bridge.Result, error) {
				return b.AddNotes(cmd.Context(), notes, opts.Replace)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes as a JSON array (required)")
	_ = cmd.MarkFlagRequired("notes")
	cmd.Flags().BoolVar(&opts.Replace, "replace", false, "clear existing notes first")

	return cmd
}

type notesChordOptions struct {
	*RootOptions
	Time     float64
	Duration float64
	Velocity float64
}

func newNotesChordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &notesChordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "chord <midi>...",
		Short: "Add a chord",
		Long: `Add simultaneous notes.

Example:
  flbridge notes chord 57 60 64 67 --time 2 --duration 2`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			midi, err := parseInts(args)
			if err != nil {
				return WrapExitError(ExitCommandError, "bad note", err)
			}
			chord := bridge.Chord{Notes: midi, Time: opts.Time, Duration: opts.Duration, Velocity: opts.Velocity}
			return withBridge(opts.RootOptions, cmd, "pianoroll.addChord", func(b *bridge.Bridge) (bridge.Result, error) {
				return b.AddChord(cmd.Context(), chord)
			})
		},
	}

	cmd.Flags().Float64Var(&opts.Time, "time", 0, "start in quarter notes")
	cmd.Flags().Float64Var(&opts.Duration, "duration", 1, "length in quarter notes")
	cmd.Flags().Float64Var(&opts.Velocity, "velocity", 0.8, "velocity 0..1")

	return cmd
}

func newNotesDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <midi@time>...",
		Short: "Delete notes",
		Long: `Delete notes matched by pitch and start time.

Example:
  flbridge notes delete 60@0 64@1.5`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseNoteRefs(args)
			if err != nil {
				return WrapExitError(ExitCommandError, "bad note", err)
			}
			return withBridge(rootOpts, cmd, "pianoroll.deleteNotes", func(b *bridge.Bridge) (bridge.Result, error) {
				return b.DeleteNotes(cmd.Context(), refs)
			})
		},
	}
}

func newNotesClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "clear",
		Short:         "Delete every note",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBridge(rootOpts, cmd, "pianoroll.clear", func(b *bridge.Bridge) (bridge.Result, error) {
				return b.ClearPianoRoll(cmd.Context())
			})
		},
	}
}

func newNotesStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the last exported piano roll",
		Long: `Show the notes the piano-roll script exported on its last run. The
export is only refreshed when the script runs (see "flbridge trigger").`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.bridge.PianoRollState()
			if err != nil {
				return bridgeExit("failed to read piano roll state", err)
			}
			if st == nil {
				return NewExitError(ExitFailure, "no piano roll state exported yet; run the piano-roll script once")
			}
			return rootOpts.formatter(cmd).Render(st, func(w io.Writer) error {
				return renderPianoRoll(w, st)
			})
		},
	}
}

// withBridge runs one bridge call with signal handling and reports it.
func withBridge(opts *RootOptions, cmd *cobra.Command, op string, call func(*bridge.Bridge) (bridge.Result, error)) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	cmd.SetContext(ctx)

	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := call(a.bridge)
	return report(opts.formatter(cmd), op, res, err)
}

func parseInts(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, s := range args {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%q is not a MIDI note number", s)
		}
		out[i] = n
	}
	return out, nil
}

func parseNoteRefs(args []string) ([]bridge.NoteRef, error) {
	out := make([]bridge.NoteRef, len(args))
	for i, s := range args {
		pitch, at, ok := strings.Cut(s, "@")
		if !ok {
			return nil, fmt.Errorf("%q: want midi@time", s)
		}
		m, err := strconv.Atoi(pitch)
		if err != nil {
			return nil, fmt.Errorf("%q: bad MIDI note", s)
		}
		t, err := strconv.ParseFloat(at, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: bad time", s)
		}
		out[i] = bridge.NoteRef{MIDI: m, Time: t}
	}
	return out, nil
}

func renderPianoRoll(w io.Writer, st *bridge.PianoRollState) error {
	fmt.Fprintf(w, "PPQ %d, %d note(s)\n", st.PPQ, len(st.Notes))
	if len(st.Notes) == 0 {
		return nil
	}
	rows := [][]string{{"note", "midi", "time", "duration", "velocity"}}
	for _, n := range st.Notes {
		rows = append(rows, []string{
			fmt.Sprint(n["note_name"]), fmtNum(n["midi"]), fmtNum(n["time"]),
			fmtNum(n["duration"]), fmtNum(n["velocity"]),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).WithWriter(w).Render()
}

func fmtNum(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if v == nil {
		return "-"
	}
	return fmt.Sprint(v)
}
