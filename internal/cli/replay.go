package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/playsync/internal/reconcile"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	ChildID  string // optional - specific aggregate only
	GameID   string
}

// ReplayAggregateResult holds the replay result for one aggregate.
type ReplayAggregateResult struct {
	ChildID        string   `json:"child_id"`
	GameInstanceID string   `json:"game_instance_id"`
	Events         int      `json:"events"`
	Version        int64    `json:"version"`
	Match          bool     `json:"match"`
	Diff           []string `json:"diff,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Aggregates []ReplayAggregateResult `json:"aggregates"`
	Total      int                     `json:"total"`
	AllMatch   bool                    `json:"all_match"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Refold the applied event log and verify stored aggregates",
		Long: `Refold every applied event, in application order, and compare the result
with the stored aggregate. A mismatch means the fold is not deterministic
or an aggregate was changed outside a batch.

Exit codes:
  0 - Every aggregate matches its event log
  1 - At least one aggregate differs
  2 - Command error (database not found, etc.)

Examples:
  playsync replay --db ./server.db
  playsync replay --db ./server.db --child c1 --game g1 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the server SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.ChildID, "child", "", "replay one child only (with --game)")
	cmd.Flags().StringVar(&opts.GameID, "game", "", "replay one game instance only (with --child)")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	if (opts.ChildID == "") != (opts.GameID == "") {
		return NewExitError(ExitCommandError, "--child and --game must be given together")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := reconcile.OpenDB(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer db.Close()
	svc, err := reconcile.NewService(db)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load reconciliation", err)
	}

	var keys []reconcile.AggregateKey
	if opts.ChildID != "" {
		keys = []reconcile.AggregateKey{{ChildID: opts.ChildID, GameInstanceID: opts.GameID}}
	} else {
		keys, err = svc.AggregateKeys(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list aggregates", err)
		}
	}

	result := ReplayResult{
		Aggregates: make([]ReplayAggregateResult, 0, len(keys)),
		Total:      len(keys),
		AllMatch:   true,
	}
	for _, k := range keys {
		r, err := svc.Replay(ctx, k.ChildID, k.GameInstanceID)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay %s/%s", k.ChildID, k.GameInstanceID), err)
		}
		result.Aggregates = append(result.Aggregates, ReplayAggregateResult{
			ChildID:        k.ChildID,
			GameInstanceID: k.GameInstanceID,
			Events:         r.Events,
			Version:        r.Stored.Version,
			Match:          r.Match,
			Diff:           r.Diff,
		})
		if !r.Match {
			result.AllMatch = false
		}
	}

	out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
	if err := out.Success(result, func(w io.Writer) { writeReplayText(w, result) }); err != nil {
		return err
	}
	if !result.AllMatch {
		return NewExitError(ExitFailure, "replay verification failed: stored aggregates differ from their event logs")
	}
	return nil
}

func writeReplayText(w io.Writer, r ReplayResult) {
	if r.Total == 0 {
		fmt.Fprintln(w, "No aggregates found in database.")
		return
	}
	rows := make([]table.Row, 0, len(r.Aggregates))
	for _, a := range r.Aggregates {
		status := "match"
		if !a.Match {
			status = "DIFF: " + strings.Join(a.Diff, ", ")
		}
		rows = append(rows, table.Row{a.ChildID, a.GameInstanceID, a.Events, a.Version, status})
	}
	renderTable(w, "", table.Row{"Child", "Game", "Events", "Version", "Result"}, rows)
	if r.AllMatch {
		fmt.Fprintf(w, "All %d aggregates match their event logs.\n", r.Total)
	}
}
