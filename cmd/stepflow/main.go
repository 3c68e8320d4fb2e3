package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexcelewicz/stepflow/internal/engine"
	"github.com/alexcelewicz/stepflow/internal/logging"
	"github.com/alexcelewicz/stepflow/internal/reaper"
	"github.com/alexcelewicz/stepflow/internal/store"
	"github.com/alexcelewicz/stepflow/internal/token"
	"github.com/alexcelewicz/stepflow/internal/validation"
	"github.com/alexcelewicz/stepflow/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stepflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(stepflowDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	secret := []byte(cfg.TokenSecret)
	if len(secret) == 0 {
		// Ephemeral secret: resume tokens stop validating across
		// restarts. Set STEPFLOW_TOKEN_SECRET for durable approvals.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate token secret: %w", err)
		}
		logger.Warn("no token secret configured, resume tokens will not survive restart")
	}
	var codec *token.HMACCodec
	if ttl := cfg.tokenTTL(); ttl > 0 {
		codec = token.NewCodecWithTTL(secret, ttl)
	} else {
		codec = token.NewCodec(secret)
	}

	validator, err := validation.New()
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	executor, err := engine.NewExecutor(engine.Config{
		Definitions: st,
		Runs:        st,
		Audit:       st,
		Tokens:      codec,
		Validator:   validator,
		Listeners:   []engine.Listener{engine.NewStoreListener(st, logger)},
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	if cfg.ReaperEnabled {
		r, err := reaper.New(reaper.Config{
			Runs:      st,
			Canceller: executor,
			Schedule:  cfg.ReaperSchedule,
			TTL:       cfg.tokenTTL(),
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("build reaper: %w", err)
		}
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("start reaper: %w", err)
		}
		defer r.Stop()
	}

	srv := mcp.NewStepflowServer(mcp.StepflowServerDeps{
		Runner: executor,
		Logger: logger,
	})

	logger.Info("stepflow serving on stdio", slog.String("db", cfg.DBPath))
	return srv.Serve(ctx)
}

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
	// Logs go to stderr; stdout carries the MCP transport.
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
