package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/quaystone/tradeflow/internal/engine"
	"github.com/quaystone/tradeflow/internal/logging"
	"github.com/quaystone/tradeflow/internal/scheduler"
	"github.com/quaystone/tradeflow/internal/store"
	"github.com/quaystone/tradeflow/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tradeflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Store:       st,
		Registry:    engine.NewRegistry(engine.Builtins()...),
		Logger:      logger,
		Concurrency: cfg.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Close()

	sched := scheduler.New(st, eng, logger,
		time.Duration(cfg.PollIntervalSec)*time.Second)
	sched.Start(ctx)
	defer sched.Stop()

	logger.Info("tradeflow engine ready",
		"db_path", cfg.DBPath, "pool_size", cfg.PoolSize)

	// MCP speaks on stdout; everything above logs to stderr.
	srv := mcp.NewTradeflowServer(mcp.TradeflowServerDeps{
		Engine: eng,
		Logger: logger,
	})
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      parseLevel(level),
		TimeFormat: time.Kitchen,
	})
	return slog.New(logging.NewCorrelationHandler(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
