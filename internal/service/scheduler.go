package service

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Scheduler runs a dead-worker sweep followed by a full process run on a
// fixed interval. Cycles that overlap an operator-triggered run are skipped.
type Scheduler struct {
	runs     *RunManager
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. A non-positive interval defaults to an hour.
func NewScheduler(runs *RunManager, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{runs: runs, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, executing one cycle per tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("auto-processing enabled", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick executes one sweep and process cycle synchronously.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, kind := range []RunKind{RunSweep, RunProcess} {
		if ctx.Err() != nil {
			return
		}
		run, err := s.runs.Execute(ctx, kind, RunRequest{})
		switch {
		case errors.Is(err, ErrRunInProgress):
			s.logger.Info("scheduled run skipped", "kind", kind, "reason", err)
		case err != nil:
			s.logger.Error("scheduled run failed", "kind", kind, "error", err)
		default:
			s.logger.Debug("scheduled run finished", "kind", kind, "run_id", run.ID)
		}
	}
}
