package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/playsync/internal/analytics"
	"github.com/roach88/playsync/internal/config"
	"github.com/roach88/playsync/internal/reconcile"
	"github.com/roach88/playsync/internal/server"
	"github.com/roach88/playsync/internal/telemetry"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr      string
	Database  string
	JWTSecret string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync API and reconciliation service",
		Long: `Run the sync API. Batches posted by devices are validated and folded
into per-child aggregates; stale sessions are swept on a schedule and
aggregate deltas are published to the configured analytics sink.

Configuration comes from --config, then PLAYSYNC_* environment variables,
then the flags below.

Examples:
  playsync serve --db ./server.db --addr :8080
  PLAYSYNC_JWT_SECRET=s3cret playsync serve -c playsync.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default :8080)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the server SQLite database")
	cmd.Flags().StringVar(&opts.JWTSecret, "jwt-secret", "", "HS256 secret for bearer tokens (empty disables auth)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := config.LoadServer(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = opts.Addr
	}
	if flags.Changed("db") {
		cfg.Database = opts.Database
	}
	if flags.Changed("jwt-secret") {
		cfg.JWTSecret = opts.JWTSecret
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "playsync-server", cfg.TraceEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()
	telemetry.InitMetrics()

	slog.Info("opening database", "path", cfg.Database)
	db, err := reconcile.OpenDB(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	sink, err := buildSink(ctx, cfg.Analytics)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect analytics sink", err)
	}
	publisher := analytics.NewAsync(sink, cfg.Analytics.QueueSize, cfg.Analytics.Timeout)
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Warn("analytics sink close failed", "error", err)
		}
	}()
	slog.Info("analytics sink ready", "sink", sink.Name())

	svc, err := reconcile.NewService(db,
		reconcile.WithAbandonAfter(cfg.AbandonAfter),
		reconcile.WithPublisher(publisher),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start reconciliation", err)
	}
	sweeper, err := reconcile.NewSweeper(svc, cfg.SweepSchedule)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid sweep schedule", err)
	}

	srvOpts := []server.Option{server.WithMaxBodyBytes(cfg.MaxBodyBytes)}
	if cfg.JWTSecret != "" {
		srvOpts = append(srvOpts, server.WithVerifier(server.NewVerifier(cfg.JWTSecret)))
	} else {
		slog.Warn("bearer-token authentication disabled")
	}
	srv := server.New(svc, srvOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.Addr)
	})
	g.Go(func() error {
		sweeper.Start()
		<-gctx.Done()
		sweeper.Stop(context.Background())
		return nil
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Sync API listening on %s. Press Ctrl-C to stop.\n", cfg.Addr)
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}

// buildSink connects the configured analytics sink.
func buildSink(ctx context.Context, cfg config.AnalyticsConfig) (analytics.Sink, error) {
	switch cfg.Sink {
	case config.SinkHTTP:
		return analytics.NewHTTPSink(cfg.URL, cfg.Token, &http.Client{Timeout: cfg.Timeout}), nil
	case config.SinkRedis:
		sink, err := analytics.NewRedisSink(ctx, cfg.RedisAddr, cfg.Stream, cfg.MaxLen)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case config.SinkKafka:
		return analytics.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	default:
		return analytics.Nop{}, nil
	}
}

// signalContext is cancelled on SIGINT/SIGTERM or when parent is done.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
