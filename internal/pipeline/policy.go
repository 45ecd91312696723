package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/models"
)

// SelectOptions narrows candidate selection.
type SelectOptions struct {
	ThresholdDays int
	ForceRefresh  bool
	ContentTypes  []models.ContentType
}

// Evaluator is the refresh policy: it decides which entries qualify for
// (re)ingestion.
type Evaluator struct {
	ledger *ledger.Ledger
}

// NewEvaluator creates an evaluator over l.
func NewEvaluator(l *ledger.Ledger) *Evaluator {
	return &Evaluator{ledger: l}
}

// StaleCutoff is the day before which processed content is stale.
func StaleCutoff(now time.Time, thresholdDays int) models.Date {
	return models.DateOf(now.AddDate(0, 0, -thresholdDays))
}

// ShouldRefresh applies the selection rule to one entry, in order: archived
// entries never qualify, staged entries always do, processed entries qualify
// once their update_date is older than the threshold (or always when forced),
// and everything else, in-flight and failed included, does not.
func ShouldRefresh(e *models.ContentEntry, now time.Time, opts SelectOptions) bool {
	if e.Archive {
		return false
	}
	if e.Status == models.StatusStaged {
		return true
	}
	if !e.Status.Processed() {
		return false
	}
	if opts.ForceRefresh || e.UpdateDate.IsZero() {
		return true
	}
	return e.UpdateDate.Before(StaleCutoff(now, opts.ThresholdDays).Time)
}

// SelectCandidates returns every entry qualifying for ingestion. Order is
// not significant; claiming makes processing safe in any order.
func (ev *Evaluator) SelectCandidates(ctx context.Context, opts SelectOptions) ([]*models.ContentEntry, error) {
	now := ev.ledger.Now()

	staged, err := ev.ledger.Query(ctx, ledger.Filter{
		Statuses:     []models.Status{models.StatusStaged},
		ContentTypes: opts.ContentTypes,
		Archived:     ledger.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("query staged: %w", err)
	}

	processedFilter := ledger.Filter{
		Statuses:     []models.Status{models.StatusIngested, models.StatusCompleted},
		ContentTypes: opts.ContentTypes,
		Archived:     ledger.Bool(false),
	}
	if !opts.ForceRefresh {
		cutoff := StaleCutoff(now, opts.ThresholdDays).Time
		processedFilter.UpdatedBefore = &cutoff
	}
	processed, err := ev.ledger.Query(ctx, processedFilter)
	if err != nil {
		return nil, fmt.Errorf("query processed: %w", err)
	}

	candidates := make([]*models.ContentEntry, 0, len(staged)+len(processed))
	for _, e := range append(staged, processed...) {
		if ShouldRefresh(e, now, opts) {
			candidates = append(candidates, e)
		}
	}
	return candidates, nil
}

// SelectForVectorization returns ingested, non-archived entries.
func (ev *Evaluator) SelectForVectorization(ctx context.Context, types []models.ContentType) ([]*models.ContentEntry, error) {
	entries, err := ev.ledger.Query(ctx, ledger.Filter{
		Statuses:     []models.Status{models.StatusIngested},
		ContentTypes: types,
		Archived:     ledger.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("query ingested: %w", err)
	}
	return entries, nil
}
