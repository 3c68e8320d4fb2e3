// Package reaper cancels paused runs whose resume window has lapsed.
// A run paused at an approval gate holds a signed resume token with a
// fixed TTL; once the token can no longer validate, the run can never
// be resumed and only occupies the paused set. The reaper sweeps those
// runs into the cancelled state on a cron schedule.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alexcelewicz/stepflow/internal/store"
	"github.com/alexcelewicz/stepflow/internal/token"
	"github.com/alexcelewicz/stepflow/pkg/schema"
)

// DefaultSchedule sweeps every five minutes.
const DefaultSchedule = "*/5 * * * *"

// RunCanceller is the interface the reaper uses to cancel a run.
// Satisfied by the executor (avoids import cycle).
type RunCanceller interface {
	Cancel(ctx context.Context, runID string) error
}

// Config configures a Reaper.
type Config struct {
	Runs      store.RunStore
	Canceller RunCanceller
	// Schedule is a five-field cron expression. Defaults to DefaultSchedule.
	Schedule string
	// TTL is how long a paused run stays resumable. Defaults to the
	// resume token TTL so runs expire together with their tokens.
	TTL    time.Duration
	Logger *slog.Logger
}

// Reaper periodically cancels paused runs older than the resume TTL.
type Reaper struct {
	runs      store.RunStore
	canceller RunCanceller
	schedule  cron.Schedule
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reaper. The schedule is parsed eagerly so a malformed
// expression fails at construction, not at first sweep.
func New(cfg Config) (*Reaper, error) {
	if cfg.Runs == nil {
		return nil, fmt.Errorf("reaper: run store is required")
	}
	if cfg.Canceller == nil {
		return nil, fmt.Errorf("reaper: run canceller is required")
	}

	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("reaper: parse schedule %q: %w", expr, err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = token.DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reaper{
		runs:      cfg.Runs,
		canceller: cfg.Canceller,
		schedule:  schedule,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Start launches the background sweep loop.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("reaper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(sweepCtx)
	r.logger.Info("reaper started")
	return nil
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)

	// Run an initial sweep immediately.
	r.Sweep(ctx)

	for {
		now := r.now().UTC()
		timer := time.NewTimer(r.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep cancels every paused run whose pause predates the resume TTL.
// It returns the number of runs cancelled.
func (r *Reaper) Sweep(ctx context.Context) int {
	paused := schema.RunStatusPaused
	cutoff := r.now().UTC().Add(-r.ttl)
	runs, err := r.runs.ListRuns(ctx, store.RunFilter{Status: &paused, PausedBefore: &cutoff})
	if err != nil {
		r.logger.Error("failed to list expired paused runs", slog.String("error", err.Error()))
		return 0
	}

	reaped := 0
	for _, run := range runs {
		if err := r.canceller.Cancel(ctx, run.ID); err != nil {
			// A run resumed or cancelled between list and cancel is
			// expected; anything else is worth a log line.
			var engErr *schema.EngineError
			if errors.As(err, &engErr) && engErr.Code == schema.ErrCodeInvalidRunStatus {
				continue
			}
			r.logger.Error("failed to cancel expired run",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.logger.Info("cancelled expired paused run",
			slog.String("run_id", run.ID),
			slog.String("workflow_id", run.WorkflowID),
		)
		reaped++
	}

	if reaped > 0 {
		r.logger.Info("sweep complete", slog.Int("reaped", reaped))
	}
	return reaped
}

// Stop gracefully shuts down the reaper.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return nil
	}

	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil

	r.logger.Info("reaper stopped")
	return nil
}
