package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/models"
)

// DefaultDeadWorkerTimeout is how long an entry may sit in flight before
// its claim is considered abandoned.
const DefaultDeadWorkerTimeout = 30 * time.Minute

// Sweeper reclaims entries whose worker died mid-task. An expired claim
// counts as a failed attempt, so a repeatedly crashing entry still ends in
// failed instead of cycling forever.
type Sweeper struct {
	ledger  *ledger.Ledger
	retry   RetryPolicy
	timeout time.Duration
	logger  *slog.Logger
}

// NewSweeper creates a sweeper. A zero timeout uses DefaultDeadWorkerTimeout.
func NewSweeper(l *ledger.Ledger, retry RetryPolicy, timeout time.Duration, logger *slog.Logger) *Sweeper {
	if timeout <= 0 {
		timeout = DefaultDeadWorkerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{ledger: l, retry: retry, timeout: timeout, logger: logger}
}

// Sweep reverts or fails every in-flight entry whose last processing attempt
// is older than the dead-worker timeout.
func (s *Sweeper) Sweep(ctx context.Context) (*models.PipelineResult, error) {
	now := s.ledger.Now().UTC()
	cutoff := now.Add(-s.timeout)

	stuck, err := s.ledger.Query(ctx, ledger.Filter{
		Statuses:      []models.Status{models.StatusIngestPending, models.StatusVectorizePending},
		AttemptBefore: &cutoff,
	})
	if err != nil {
		return nil, fmt.Errorf("query stuck entries: %w", err)
	}

	result := &models.PipelineResult{Stage: "sweep", Outcomes: []models.EntryOutcome{}, StartedAt: now}
	for _, e := range stuck {
		stage, ok := StageFor(e.Status)
		if !ok {
			continue
		}
		reason := fmt.Sprintf("claim expired: no progress on %s since %s", stage.Name, e.LastProcessingAttempt.Format(time.RFC3339))

		updated, err := s.ledger.Mutate(ctx, e.Key(), func(cur *models.ContentEntry) error {
			// Re-check under the version guard: the worker may have finished
			// or re-claimed since the query.
			if cur.Status != e.Status || cur.ClaimID != e.ClaimID {
				return ErrClaimLost
			}
			return applyFailure(cur, s.retry, stage, reason)
		})
		if errors.Is(err, ErrClaimLost) || errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("sweep failed for entry", "content_type", e.ContentType, "name", e.Name, "error", err)
			result.Add(skipped(e, err.Error()))
			continue
		}

		outcome := models.OutcomeRetrying
		if updated.Status == models.StatusFailed {
			outcome = models.OutcomeFailed
		}
		s.logger.Warn("reclaimed stuck entry",
			"content_type", e.ContentType,
			"name", e.Name,
			"stage", stage.Name,
			"status", updated.Status,
			"retry_count", updated.RetryCount)
		result.Add(models.EntryOutcome{
			ContentType: e.ContentType,
			Name:        e.Name,
			Outcome:     outcome,
			Status:      updated.Status,
			RetryCount:  updated.RetryCount,
			Error:       reason,
		})
	}
	result.CompletedAt = s.ledger.Now().UTC()
	return result, nil
}
