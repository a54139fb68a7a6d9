package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loomworks/loom/internal/agents"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/triggers"
	"github.com/loomworks/loom/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loomd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry := agents.NewRegistry()
	if err := registry.RegisterBuiltins(); err != nil {
		return fmt.Errorf("register builtin agents: %w", err)
	}

	hub := streaming.NewMemoryHub()

	eng, err := engine.New(st, registry, hub, logger, engine.Config{
		MaxConcurrency:   cfg.MaxConcurrency,
		PoolSize:         cfg.PoolSize,
		ExpressionEngine: cfg.ExpressionEngine,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Shutdown()

	if cfg.Scheduler {
		cron := triggers.NewCronRunner(st, eng, logger)
		if err := cron.Start(ctx); err != nil {
			return fmt.Errorf("start cron runner: %w", err)
		}
		defer func() { _ = cron.Stop() }()
	}

	srv := mcp.NewLoomServer(mcp.LoomServerDeps{
		Engine:   eng,
		Registry: registry,
		Hub:      hub,
		Logger:   logger,
	})
	notifier := mcp.NewEventNotifier(srv.MCPServer(), srv.Sessions(), hub, logger)
	if err := notifier.Start(ctx); err != nil {
		return fmt.Errorf("start event notifier: %w", err)
	}

	logger.Info("loomd started",
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize),
		slog.String("expression_engine", cfg.ExpressionEngine),
		slog.Bool("scheduler", cfg.Scheduler))

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("loomd stopped")
	return nil
}

// newLogger builds the process logger: text to stderr, workflow and
// execution ids injected from the context.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(logging.NewCorrelationHandler(handler))
	slog.SetDefault(logger)
	return logger
}
