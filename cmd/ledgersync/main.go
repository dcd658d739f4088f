package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"position-ledger/internal/config"
	"position-ledger/internal/observability"
	"position-ledger/internal/reporting"
	"position-ledger/internal/storage/migrations"
	pgstore "position-ledger/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	mode := flag.String("mode", "sync", "Mode: sync, sync-all, watch, migrate or periods")
	positionID := flag.String("position", "", "Position ID (sync and periods modes)")
	force := flag.Bool("force", false, "Rebuild the ledger from the deployment block")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	format := flag.String("format", "markdown", "Periods report format: markdown or csv")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if *mode != "migrate" {
		if err := cfg.Validate(); err != nil {
			logger.Error("invalid config", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()

		select {
		case sig := <-sigCh:
			logger.Error("received second signal, forcing exit", "signal", sig.String())
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Error("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, logger, cfg, *mode, *positionID, *force, *useMemory, *format)

	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ledgersync failed", "mode", *mode, "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, mode, positionID string, force, useMemory bool, format string) error {
	if mode == "migrate" {
		return runMigrate(ctx, logger, cfg)
	}

	a, err := newApp(ctx, logger, cfg, useMemory)
	if err != nil {
		return err
	}
	defer a.Close()

	switch mode {
	case "sync":
		return runSync(ctx, logger, a, positionID, force)
	case "sync-all":
		return runSyncAll(ctx, a, force)
	case "periods":
		return runPeriods(ctx, a, positionID, format)
	case "watch":
		return runWatch(ctx, logger, cfg, a)
	default:
		return fmt.Errorf("unknown mode: %s", mode)
	}
}

func runSync(ctx context.Context, logger *slog.Logger, a *app, positionID string, force bool) error {
	if positionID == "" {
		return errors.New("-position is required for sync mode")
	}
	out := a.runner.SyncOne(ctx, positionID, 0, force)
	switch {
	case out.Skipped:
		return fmt.Errorf("position %s is being synced elsewhere", positionID)
	case out.Err != nil:
		return out.Err
	}
	r := out.Result
	logger.Info("position synced",
		"position", r.PositionID,
		"from_block", r.FromBlock,
		"finalized_block", r.FinalizedBlock,
		"events_added", r.EventsAdded,
		"periods", r.Periods,
	)
	return nil
}

func runSyncAll(ctx context.Context, a *app, force bool) error {
	res, err := a.runner.SyncAll(ctx, nil, force)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		var failed []string
		for _, o := range res.Outcomes {
			if o.Err != nil {
				failed = append(failed, o.PositionID)
			}
		}
		return fmt.Errorf("%d of %d positions failed: %s", res.Failed, len(res.Outcomes), strings.Join(failed, ", "))
	}
	return nil
}

func runPeriods(ctx context.Context, a *app, positionID, format string) error {
	if positionID == "" {
		return errors.New("-position is required for periods mode")
	}
	periods, err := a.orch.CalculateAprPeriods(ctx, positionID)
	if err != nil {
		return err
	}
	position, err := a.positions.Get(ctx, positionID)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	events, err := a.ledger.ListByPosition(ctx, positionID)
	if err != nil {
		return fmt.Errorf("list ledger: %w", err)
	}

	report := reporting.Build(position, events, periods, time.Now().UTC())
	switch format {
	case "markdown":
		fmt.Print(reporting.RenderMarkdown(report))
	case "csv":
		fmt.Print(reporting.RenderCSV(report))
	default:
		return fmt.Errorf("unknown report format: %s", format)
	}
	return nil
}

func runMigrate(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	if cfg.Database.PostgresDSN == "" {
		return errors.New("database.postgres_dsn is required for migrate mode")
	}
	pool, err := pgstore.NewPool(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		return err
	}
	logger.Info("postgres migrations applied")

	if cfg.Database.ClickHouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Database.ClickHouseDSN)
		if err != nil {
			return err
		}
		_ = conn.Close()
		logger.Info("clickhouse migrations applied")
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	logger.Info("starting metrics server", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", "error", err)
	}
}
