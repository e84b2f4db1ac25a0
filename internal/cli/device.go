package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/playsync/internal/config"
	"github.com/roach88/playsync/internal/dispatch"
	"github.com/roach88/playsync/internal/resolve"
	"github.com/roach88/playsync/internal/session"
	"github.com/roach88/playsync/internal/store"
	"github.com/roach88/playsync/internal/telemetry"
)

// DeviceOptions holds flags shared by the device subcommands.
type DeviceOptions struct {
	*RootOptions
	Database string
	Endpoint string
	DeviceID string
	Token    string

	// SyncEndpoint overrides the HTTP endpoint (for testing).
	SyncEndpoint dispatch.SyncEndpoint
	// Now overrides the clock (for testing).
	Now func() time.Time
}

// NewDeviceCommand creates the device command group.
func NewDeviceCommand(rootOpts *RootOptions) *cobra.Command {
	return newDeviceCommand(&DeviceOptions{RootOptions: rootOpts})
}

func newDeviceCommand(opts *DeviceOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Record and sync play sessions on this device",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the device SQLite database")
	cmd.PersistentFlags().StringVar(&opts.Endpoint, "endpoint", "", "sync API base URL")
	cmd.PersistentFlags().StringVar(&opts.DeviceID, "device-id", "", "this device's id")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "bearer token for the sync API")

	cmd.AddCommand(newDevicePlayCommand(opts))
	cmd.AddCommand(newDeviceSyncCommand(opts))
	cmd.AddCommand(newDeviceStatusCommand(opts))
	return cmd
}

func (o *DeviceOptions) config(cmd *cobra.Command) (config.DeviceConfig, error) {
	cfg, err := config.LoadDevice(o.ConfigPath)
	if err != nil {
		return config.DeviceConfig{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Database = o.Database
	}
	if flags.Changed("endpoint") {
		cfg.Endpoint = o.Endpoint
	}
	if flags.Changed("device-id") {
		cfg.DeviceID = o.DeviceID
	}
	if flags.Changed("token") {
		cfg.Token = o.Token
	}
	return cfg, nil
}

// device is the wired device-side stack.
type device struct {
	store      *store.Store
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	resolver   *resolve.Resolver
}

func (o *DeviceOptions) open(cfg config.DeviceConfig) (*device, error) {
	now := o.Now
	if now == nil {
		now = time.Now
	}
	st, err := store.Open(cfg.Database, store.WithClock(now))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	endpoint := o.SyncEndpoint
	if endpoint == nil {
		endpoint = dispatch.NewHTTPEndpoint(cfg.Endpoint, cfg.Token)
	}
	mgr := session.NewManager(st, session.WithClock(now))
	res := resolve.New(st, mgr)
	res.OnUpdate(logUpdate)
	d := dispatch.New(st, endpoint, res, cfg.Dispatch, dispatch.WithClock(now))
	mgr.SetFlusher(d)

	return &device{store: st, sessions: mgr, dispatcher: d, resolver: res}, nil
}

func (d *device) close() {
	if err := d.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

func logUpdate(u resolve.Update) {
	if u.Superseded {
		slog.Warn("session superseded by another device",
			"session_id", u.SessionID,
			"active_session_id", u.ActiveSessionID,
		)
	}
	if u.Corrected {
		slog.Info("progress corrected by server",
			"session_id", u.SessionID,
			"previous_version", u.Previous.Version,
			"version", u.Current.Version,
		)
	}
	for _, a := range u.NewAchievements {
		slog.Info("achievement unlocked", "session_id", u.SessionID, "achievement_id", a)
	}
}

// PlayResult is the output of `device play`.
type PlayResult struct {
	SessionID    string      `json:"session_id"`
	Status       string      `json:"status"`
	Events       int64       `json:"events"`
	Score        int64       `json:"score"`
	Interactions int64       `json:"interactions"`
	Sync         *SyncResult `json:"sync,omitempty"`
}

// SyncResult is the output of `device sync`.
type SyncResult struct {
	Batches      int      `json:"batches"`
	Acknowledged int      `json:"acknowledged"`
	Rejected     int      `json:"rejected"`
	Superseded   []string `json:"superseded,omitempty"`
	Pending      int      `json:"pending"`
	LastError    string   `json:"last_error,omitempty"`
}

func newDevicePlayCommand(opts *DeviceOptions) *cobra.Command {
	var (
		childID, gameID string
		taps            int
		scorePerTap     int64
		keepOpen, sync  bool
	)

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Record a simulated play session",
		Long: `Start a session, record a number of tap interactions and end it.
Events are durable locally before the command returns; with --sync they
are sent immediately.

Examples:
  playsync device play --device-id tablet-1 --child c1 --game g1 --taps 10
  playsync device play --device-id tablet-1 --child c1 --game g1 --sync`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			if cfg.DeviceID == "" {
				return NewExitError(ExitCommandError, "--device-id is required")
			}
			d, err := opts.open(cfg)
			if err != nil {
				return err
			}
			defer d.close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if _, err := d.sessions.Restore(ctx); err != nil {
				return WrapExitError(ExitFailure, "failed to restore sessions", err)
			}

			st, err := d.sessions.Start(ctx, childID, gameID, cfg.DeviceID)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to start session", err)
			}
			for i := 0; i < taps; i++ {
				if _, err := d.sessions.Record(ctx, st.SessionID, session.NewInteraction("tap", scorePerTap, nil)); err != nil {
					return WrapExitError(ExitFailure, "failed to record interaction", err)
				}
			}
			if keepOpen {
				st, err = d.sessions.State(ctx, st.SessionID)
			} else {
				st, err = d.sessions.End(ctx, st.SessionID, nil)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "failed to finish session", err)
			}

			result := PlayResult{
				SessionID:    st.SessionID,
				Status:       string(st.Status),
				Events:       st.ClientSeq,
				Score:        st.Score,
				Interactions: st.Interactions,
			}
			var syncErr error
			if sync {
				sr, err := syncOnce(ctx, d)
				result.Sync = &sr
				syncErr = err
			}

			out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
			if err := out.Success(result, func(w io.Writer) {
				fmt.Fprintf(w, "Session %s %s: %d events, score %d\n",
					result.SessionID, result.Status, result.Events, result.Score)
				if result.Sync != nil {
					writeSyncText(w, *result.Sync)
				}
			}); err != nil {
				return err
			}
			return syncErr
		},
	}

	cmd.Flags().StringVar(&childID, "child", "", "child id (required)")
	cmd.Flags().StringVar(&gameID, "game", "", "game instance id (required)")
	cmd.Flags().IntVar(&taps, "taps", 5, "number of tap interactions to record")
	cmd.Flags().Int64Var(&scorePerTap, "score", 1, "score awarded per tap")
	cmd.Flags().BoolVar(&keepOpen, "keep-open", false, "leave the session open")
	cmd.Flags().BoolVar(&sync, "sync", false, "sync immediately")
	_ = cmd.MarkFlagRequired("child")
	_ = cmd.MarkFlagRequired("game")
	return cmd
}

func newDeviceSyncCommand(opts *DeviceOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send pending events to the sync API",
		Long: `Send every pending event once and report the outcome. With --watch the
dispatcher keeps running, batching and retrying with backoff until
interrupted.

Exit codes:
  0 - Every pending event was acknowledged or rejected
  1 - Sync stopped early (offline, server error)
  2 - Command error`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			d, err := opts.open(cfg)
			if err != nil {
				return err
			}
			defer d.close()

			if watch {
				return watchSync(cmd, d, cfg.TraceEndpoint)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			result, syncErr := syncOnce(ctx, d)
			out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
			if err := out.Success(result, func(w io.Writer) { writeSyncText(w, result) }); err != nil {
				return err
			}
			return syncErr
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing until interrupted")
	return cmd
}

func syncOnce(ctx context.Context, d *device) (SyncResult, error) {
	report, err := d.dispatcher.SyncOnce(ctx)
	result := SyncResult{
		Batches:      report.Batches,
		Acknowledged: report.Acknowledged,
		Rejected:     report.Rejected,
		Superseded:   report.Superseded,
		LastError:    report.LastError,
	}
	if st, statErr := d.store.Stats(ctx); statErr == nil {
		result.Pending = st.Unacknowledged()
	}
	if err != nil {
		return result, WrapExitError(ExitFailure, "sync incomplete", err)
	}
	return result, nil
}

func writeSyncText(w io.Writer, r SyncResult) {
	fmt.Fprintf(w, "Synced %d batches: %d acknowledged, %d rejected, %d pending\n",
		r.Batches, r.Acknowledged, r.Rejected, r.Pending)
	for _, id := range r.Superseded {
		fmt.Fprintf(w, "Session %s was superseded by another device\n", id)
	}
	if r.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", r.LastError)
	}
}

func watchSync(cmd *cobra.Command, d *device, traceEndpoint string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "playsync-device", traceEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	if _, err := d.sessions.Restore(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to restore sessions", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Syncing. Press Ctrl-C to stop.")
	if err := d.dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "dispatcher error", err)
	}
	slog.Info("dispatcher stopped gracefully")
	return nil
}

// StatusResult is the output of `device status`.
type StatusResult struct {
	Pending     int                `json:"pending"`
	InFlight    int                `json:"in_flight"`
	Failed      int                `json:"failed"`
	SyncNeeded  bool               `json:"sync_needed"`
	DataLoss    bool               `json:"data_loss"`
	Sessions    []SessionRow       `json:"sessions"`
	Diagnostics []store.Diagnostic `json:"diagnostics"`
}

// SessionRow is one session in `device status`.
type SessionRow struct {
	SessionID string `json:"session_id"`
	ChildID   string `json:"child_id"`
	GameID    string `json:"game_instance_id"`
	Status    string `json:"status"`
	EndReason string `json:"end_reason,omitempty"`
	Events    int64  `json:"events"`
}

func newDeviceStatusCommand(opts *DeviceOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show sessions, pending events and diagnostics",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			d, err := opts.open(cfg)
			if err != nil {
				return err
			}
			defer d.close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			result, err := deviceStatus(ctx, d)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read status", err)
			}
			out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
			return out.Success(result, func(w io.Writer) { writeStatusText(w, result) })
		},
	}
}

func deviceStatus(ctx context.Context, d *device) (StatusResult, error) {
	st, err := d.dispatcher.Status(ctx)
	if err != nil {
		return StatusResult{}, err
	}
	sessions, err := d.store.ListSessions(ctx)
	if err != nil {
		return StatusResult{}, err
	}
	diags, err := d.store.Diagnostics(ctx)
	if err != nil {
		return StatusResult{}, err
	}

	result := StatusResult{
		Pending:     st.Pending,
		InFlight:    st.InFlight,
		Failed:      st.Failed,
		SyncNeeded:  st.SyncNeeded,
		DataLoss:    st.DataLoss,
		Sessions:    make([]SessionRow, 0, len(sessions)),
		Diagnostics: diags,
	}
	for _, s := range sessions {
		result.Sessions = append(result.Sessions, SessionRow{
			SessionID: s.SessionID,
			ChildID:   s.ChildID,
			GameID:    s.GameInstanceID,
			Status:    string(s.Status),
			EndReason: string(s.EndReason),
			Events:    s.ClientSeq,
		})
	}
	return result, nil
}

func writeStatusText(w io.Writer, r StatusResult) {
	fmt.Fprintf(w, "Pending: %d  In flight: %d  Failed: %d\n", r.Pending, r.InFlight, r.Failed)
	if r.SyncNeeded {
		fmt.Fprintln(w, "Sync needed: connect to the internet to save progress.")
	}
	if r.DataLoss {
		fmt.Fprintln(w, "Some progress may not have saved.")
	}

	rows := make([]table.Row, 0, len(r.Sessions))
	for _, s := range r.Sessions {
		rows = append(rows, table.Row{s.SessionID, s.ChildID, s.GameID, s.Status, s.EndReason, s.Events})
	}
	renderTable(w, "Sessions", table.Row{"Session", "Child", "Game", "Status", "Reason", "Events"}, rows)

	if len(r.Diagnostics) == 0 {
		return
	}
	rows = rows[:0]
	for _, d := range r.Diagnostics {
		rows = append(rows, table.Row{d.CreatedAt.Format(time.RFC3339), d.Kind, d.SessionID, d.EventID, d.Message})
	}
	renderTable(w, "Diagnostics", table.Row{"Time", "Kind", "Session", "Event", "Message"}, rows)
}
