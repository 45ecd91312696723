// Package pipeline drives content through the ledger lifecycle: it selects
// candidates, claims them, runs stage tasks under a concurrency bound and
// records every outcome back on the entry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/models"
)

// ErrClaimLost is returned when an entry is no longer owned by the claim
// that is trying to record a result, e.g. after a sweep reclaimed it.
var ErrClaimLost = errors.New("claim lost")

// TaskResult carries what a successful task learned about the entry.
type TaskResult struct {
	BucketLocation string
	ChunkCount     int
}

// Task does the work of one stage for one claimed entry.
type Task interface {
	Run(ctx context.Context, entry *models.ContentEntry) (*TaskResult, error)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context, entry *models.ContentEntry) (*TaskResult, error)

func (f TaskFunc) Run(ctx context.Context, entry *models.ContentEntry) (*TaskResult, error) {
	return f(ctx, entry)
}

// Stage describes one step of the lifecycle.
type Stage struct {
	Name    string
	From    []models.Status // statuses an entry may be claimed from
	Pending models.Status
	Done    models.Status
	// Revert is the fallback when a claim did not record its previous status.
	Revert models.Status
	apply  func(e *models.ContentEntry, res *TaskResult, now time.Time)
}

var (
	// StageIngest fetches and transforms content: staged, ingested or
	// completed entries re-enter at ingest-pending.
	StageIngest = Stage{
		Name:    "ingest",
		From:    []models.Status{models.StatusStaged, models.StatusIngested, models.StatusCompleted},
		Pending: models.StatusIngestPending,
		Done:    models.StatusIngested,
		Revert:  models.StatusStaged,
		apply: func(e *models.ContentEntry, res *TaskResult, now time.Time) {
			e.UpdateDate = models.DateOf(now)
			if res != nil && res.BucketLocation != "" {
				e.BucketLocation = res.BucketLocation
			}
			e.ChunkCount = 0
		},
	}

	// StageVectorize chunks and embeds ingested content.
	StageVectorize = Stage{
		Name:    "vectorize",
		From:    []models.Status{models.StatusIngested},
		Pending: models.StatusVectorizePending,
		Done:    models.StatusCompleted,
		Revert:  models.StatusIngested,
		apply: func(e *models.ContentEntry, res *TaskResult, _ time.Time) {
			if res != nil {
				e.ChunkCount = res.ChunkCount
			}
		},
	}
)

// StageFor returns the stage owning an in-flight status.
func StageFor(pending models.Status) (Stage, bool) {
	switch pending {
	case models.StatusIngestPending:
		return StageIngest, true
	case models.StatusVectorizePending:
		return StageVectorize, true
	}
	return Stage{}, false
}

// Claim is the dispatch commit point: it moves the entry to the stage's
// pending status if, and only if, it still holds the status it was selected
// with. Of two concurrent claims on one entry exactly one succeeds; the
// other gets ErrAlreadyClaimed.
func Claim(ctx context.Context, l *ledger.Ledger, stage Stage, selected *models.ContentEntry) (*models.ContentEntry, error) {
	now := l.Now().UTC()
	return l.Mutate(ctx, selected.Key(), func(e *models.ContentEntry) error {
		if e.Archive {
			return ledger.ErrArchived
		}
		if e.InFlight() || e.Status != selected.Status {
			return fmt.Errorf("%w: status is %s", ledger.ErrAlreadyClaimed, e.Status)
		}
		if !slices.Contains(stage.From, e.Status) {
			return fmt.Errorf("%w: %s from %s", models.ErrInvalidTransition, stage.Name, e.Status)
		}
		if err := models.Transition(e.Status, stage.Pending); err != nil {
			return err
		}
		e.PreviousStatus = e.Status
		e.Status = stage.Pending
		e.ClaimID = uuid.NewString()
		e.LastProcessingAttempt = &now
		return nil
	})
}

func checkClaim(e *models.ContentEntry, stage Stage, claimID string) error {
	if e.Status != stage.Pending || e.ClaimID != claimID {
		return fmt.Errorf("%w: entry is %s", ErrClaimLost, e.Status)
	}
	return nil
}

// complete records success: forward status, retry bookkeeping reset.
func complete(ctx context.Context, l *ledger.Ledger, stage Stage, claimed *models.ContentEntry, res *TaskResult) (*models.ContentEntry, error) {
	now := l.Now().UTC()
	return l.Mutate(ctx, claimed.Key(), func(e *models.ContentEntry) error {
		if err := checkClaim(e, stage, claimed.ClaimID); err != nil {
			return err
		}
		if err := models.Transition(e.Status, stage.Done); err != nil {
			return err
		}
		e.Status = stage.Done
		e.FailureReason = nil
		e.RetryCount = 0
		e.ClaimID = ""
		e.PreviousStatus = ""
		if stage.apply != nil {
			stage.apply(e, res, now)
		}
		return nil
	})
}

// fail records a failed attempt on a claimed entry.
func fail(ctx context.Context, l *ledger.Ledger, policy RetryPolicy, stage Stage, claimed *models.ContentEntry, reason string) (*models.ContentEntry, error) {
	return l.Mutate(ctx, claimed.Key(), func(e *models.ContentEntry) error {
		if err := checkClaim(e, stage, claimed.ClaimID); err != nil {
			return err
		}
		return applyFailure(e, policy, stage, reason)
	})
}

// applyFailure bumps retry_count and either reverts the entry to the status
// it held before the claim or, once retries are exhausted, fails it.
func applyFailure(e *models.ContentEntry, policy RetryPolicy, stage Stage, reason string) error {
	e.RetryCount++
	e.FailureReason = &reason

	target := models.StatusFailed
	if !policy.Exhausted(e.RetryCount) {
		target = e.PreviousStatus
		if target == "" || !slices.Contains(stage.From, target) {
			target = stage.Revert
		}
	}
	if err := models.Transition(e.Status, target); err != nil {
		return err
	}
	e.Status = target
	e.ClaimID = ""
	e.PreviousStatus = ""
	return nil
}
