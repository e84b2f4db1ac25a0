package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/playsync/internal/reconcile"
)

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	Database     string
	AbandonAfter time.Duration
}

// SweepResult is the output of the sweep command.
type SweepResult struct {
	Abandoned int `json:"abandoned"`
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark stale open sessions abandoned once",
		Long: `Run the abandonment sweep once. Open sessions with no batch for longer
than --abandon-after are marked abandoned. playsync serve runs the same
sweep on a schedule.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			db, err := reconcile.OpenDB(opts.Database)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer db.Close()

			svc, err := reconcile.NewService(db, reconcile.WithAbandonAfter(opts.AbandonAfter))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load reconciliation", err)
			}
			n, err := svc.SweepAbandoned(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "sweep failed", err)
			}

			out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
			return out.Success(SweepResult{Abandoned: n}, func(w io.Writer) {
				fmt.Fprintf(w, "Abandoned %d sessions.\n", n)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the server SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().DurationVar(&opts.AbandonAfter, "abandon-after", reconcile.DefaultAbandonAfter, "inactivity before an open session is abandoned")
	return cmd
}
