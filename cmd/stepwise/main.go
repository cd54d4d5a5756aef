package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nvidal/stepwise/internal/actions"
	"github.com/nvidal/stepwise/internal/engine"
	"github.com/nvidal/stepwise/internal/handlers"
	"github.com/nvidal/stepwise/internal/logging"
	"github.com/nvidal/stepwise/internal/scheduler"
	"github.com/nvidal/stepwise/internal/store"
	"github.com/nvidal/stepwise/internal/validation"
	"github.com/nvidal/stepwise/pkg/mcp"
)

func main() {
	// .env is optional; real env vars still win inside loadConfig.
	_ = godotenv.Load()
	cfg := loadConfig()

	if len(os.Args) > 1 && os.Args[1] == "print-config" {
		os.Stdout.WriteString(encodeConfig(cfg) + "\n")
		return
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("stepwise exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []engine.Option{}
	var st store.Store
	if !cfg.HistoryOff {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return err
		}
		s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		st = s
		opts = append(opts, engine.WithArchiver(s))
		logger.Info("run history enabled", "db_path", cfg.DBPath)
	}

	reg := handlers.NewDefaultRegistry(actions.NewLocalCollaborator())
	manager, err := engine.NewManager(reg, logger, opts...)
	if err != nil {
		return err
	}

	if err := loadWorkflows(cfg.WorkflowDirs, manager, logger); err != nil {
		return err
	}

	sched := scheduler.NewScheduler(manager, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	srv := mcp.NewStepwiseServer(mcp.StepwiseServerDeps{
		Manager:   manager,
		Store:     st,
		Scheduler: sched,
		Logger:    logger,
	})

	logger.Info("stepwise engine listening on stdio",
		"workflows", len(manager.Workflows()))

	serveErr := srv.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not settle all runs", "error", err)
	}
	return serveErr
}

// loadWorkflows registers every *.json workflow found in the configured
// directories. A file that fails validation aborts startup; a silently
// skipped workflow would be much harder to notice.
func loadWorkflows(dirs []string, manager *engine.Manager, logger *slog.Logger) error {
	validator, err := validation.NewValidator()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			wf, err := validator.ValidateRaw(raw)
			if err != nil {
				logger.Error("workflow rejected", "path", path, "error", err)
				return err
			}
			if err := manager.Register(wf); err != nil {
				return err
			}
			logger.Info("workflow loaded", "workflow_id", wf.ID, "path", path)
		}
	}
	return nil
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}

	// Stdout carries the MCP transport; logs go to stderr.
	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, hopts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, hopts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func encodeConfig(cfg Config) string {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
