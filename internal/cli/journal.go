package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/roach88/flbridge/internal/journal"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	Limit     int
	Discards  bool
	RequestID string
}

// JournalResult is the journal command output.
type JournalResult struct {
	Requests []journal.Record  `json:"requests,omitempty"`
	Discards []journal.Discard `json:"discards,omitempty"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent requests and discarded responses",
		Long: `Show the request journal: recent requests with their outcome, or the
responses that were discarded because no pending request matched them.

Examples:
  flbridge journal --limit 10
  flbridge journal --discards
  flbridge journal --request 0190f5c2-...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum rows")
	cmd.Flags().BoolVar(&opts.Discards, "discards", false, "show discarded responses")
	cmd.Flags().StringVar(&opts.RequestID, "request", "", "show one request")

	return cmd
}

func runJournal(opts *JournalOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if cfg.Journal.Path == "" {
		return NewExitError(ExitCommandError, "journal is disabled (journal.path is empty)")
	}
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	ctx := cmd.Context()
	var res JournalResult
	switch {
	case opts.RequestID != "":
		rec, err := j.Get(ctx, opts.RequestID)
		if err != nil {
			return WrapExitError(ExitFailure, "journal query failed", err)
		}
		if rec == nil {
			return NewExitError(ExitFailure, "no such request: "+opts.RequestID)
		}
		res.Requests = []journal.Record{*rec}
	case opts.Discards:
		if res.Discards, err = j.Discards(ctx, opts.Limit); err != nil {
			return WrapExitError(ExitFailure, "journal query failed", err)
		}
	default:
		if res.Requests, err = j.Recent(ctx, opts.Limit); err != nil {
			return WrapExitError(ExitFailure, "journal query failed", err)
		}
	}

	return opts.formatter(cmd).Render(res, func(w io.Writer) error {
		if opts.Discards {
			return renderDiscards(w, res.Discards)
		}
		return renderRecords(w, res.Requests)
	})
}

func renderRecords(w io.Writer, recs []journal.Record) error {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No requests recorded.")
		return nil
	}
	rows := [][]string{{"seq", "request", "channel", "op", "state", "attempts", "created", "error"}}
	for _, r := range recs {
		rows = append(rows, []string{
			fmt.Sprint(r.Seq), r.RequestID, string(r.Channel), r.Op, r.State,
			fmt.Sprint(r.Attempts), r.CreatedAt.Local().Format(time.DateTime), r.Error,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).WithWriter(w).Render()
}

func renderDiscards(w io.Writer, ds []journal.Discard) error {
	if len(ds) == 0 {
		fmt.Fprintln(w, "No discarded responses.")
		return nil
	}
	rows := [][]string{{"seq", "channel", "request", "reason", "observed"}}
	for _, d := range ds {
		id := d.RequestID
		if id == "" {
			id = "-"
		}
		rows = append(rows, []string{
			fmt.Sprint(d.Seq), string(d.Channel), id, d.Reason, d.ObservedAt.Local().Format(time.DateTime),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).WithWriter(w).Render()
}
