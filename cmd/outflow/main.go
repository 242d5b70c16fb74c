// Command outflow runs the workflow engine: it opens the store, loads
// workflow definitions, recovers pending timers and serves trigger events
// until interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/outflowhq/outflow/internal/collab"
	"github.com/outflowhq/outflow/internal/conditions"
	"github.com/outflowhq/outflow/internal/dispatcher"
	"github.com/outflowhq/outflow/internal/executor"
	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/registry"
	"github.com/outflowhq/outflow/internal/scheduler"
	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "outflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	reg, err := registry.New(logger)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if cfg.DefsDir != "" {
		if err := loadDefinitions(ctx, logger, reg, cfg.DefsDir); err != nil {
			return err
		}
	}

	eval, err := conditions.NewEvaluator(logger)
	if err != nil {
		return fmt.Errorf("conditions: %w", err)
	}

	entities := collab.NewMemoryEntityStore()
	deliverers := map[schema.Channel]collab.Deliverer{
		schema.ChannelEmail:   &collab.LogDeliverer{Channel: schema.ChannelEmail, Logger: logger},
		schema.ChannelSMS:     &collab.LogDeliverer{Channel: schema.ChannelSMS, Logger: logger},
		schema.ChannelPublish: &collab.LogDeliverer{Channel: schema.ChannelPublish, Logger: logger},
	}
	exec := executor.New(logger, eval, collab.PassthroughGenerator{}, deliverers, entities, st)

	sched := scheduler.New(logger, st, exec, cfg.Workers)
	if err := sched.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	sched.Start(ctx)

	cronInterval, err := time.ParseDuration(cfg.CronInterval)
	if err != nil {
		cronInterval = 0
	}
	disp := dispatcher.New(logger, reg, st, sched, cronInterval)
	disp.Start(ctx)

	logger.Info("outflow engine started",
		slog.String("db", cfg.DBPath),
		slog.Int("workers", cfg.Workers),
		slog.Int("definitions", len(reg.List(""))))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	disp.Stop()
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// loadDefinitions registers every *.json definition in dir.
func loadDefinitions(ctx context.Context, logger *slog.Logger, reg *registry.Registry, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read defs dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var def schema.WorkflowDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := reg.Register(ctx, &def); err != nil {
			return fmt.Errorf("register %s: %w", path, err)
		}
		logger.Info("loaded definition", slog.String("file", entry.Name()),
			slog.String("definition_id", def.ID))
	}
	return nil
}
