package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/contentops/internal/models"
)

// DefaultConflictRetries bounds how often Mutate re-reads after losing a CAS race.
const DefaultConflictRetries = 8

// Ledger wraps a Store with upsert and read-modify-write helpers. All
// workers share one Ledger and never cache entries beyond a single call.
type Ledger struct {
	store           Store
	logger          *slog.Logger
	now             func() time.Time
	conflictRetries int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithConflictRetries overrides DefaultConflictRetries.
func WithConflictRetries(n int) Option {
	return func(l *Ledger) { l.conflictRetries = n }
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:           store,
		logger:          slog.Default(),
		now:             time.Now,
		conflictRetries: DefaultConflictRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Get returns the entry or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, key models.Key) (*models.ContentEntry, error) {
	return l.store.Get(ctx, key)
}

// Query returns entries matching filter.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]*models.ContentEntry, error) {
	return l.store.Query(ctx, filter)
}

// Put upserts entry. An entry with Version 0 is created and fails with
// ErrAlreadyExists if its key is taken; otherwise it is a CAS update.
func (l *Ledger) Put(ctx context.Context, entry *models.ContentEntry) error {
	if err := entry.Key().Validate(); err != nil {
		return err
	}
	entry.UpdatedAt = l.now().UTC()
	if entry.Version == 0 {
		if err := l.store.Create(ctx, entry); err != nil {
			return fmt.Errorf("create %s: %w", entry.Key(), err)
		}
		return nil
	}
	if err := l.store.Update(ctx, entry); err != nil {
		return fmt.Errorf("update %s: %w", entry.Key(), err)
	}
	return nil
}

// Mutate applies fn to a fresh copy of the entry and writes it back with a
// version check, re-reading and re-applying fn when another writer got there
// first. An error from fn aborts without writing.
func (l *Ledger) Mutate(ctx context.Context, key models.Key, fn func(*models.ContentEntry) error) (*models.ContentEntry, error) {
	for attempt := 0; ; attempt++ {
		current, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := fn(current); err != nil {
			return nil, err
		}
		current.UpdatedAt = l.now().UTC()

		err = l.store.Update(ctx, current)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= l.conflictRetries {
			return nil, fmt.Errorf("mutate %s: %w", key, err)
		}
		l.logger.Debug("ledger version conflict, retrying", "key", key.String(), "attempt", attempt+1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Remove deletes the entry and returns what was stored. check, if set, runs
// against the entry being deleted and an error from it aborts the delete.
// The delete is conditional on the version check saw, so a concurrent write
// makes Remove re-read and re-check.
func (l *Ledger) Remove(ctx context.Context, key models.Key, check func(*models.ContentEntry) error) (*models.ContentEntry, error) {
	for attempt := 0; ; attempt++ {
		current, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if check != nil {
			if err := check(current); err != nil {
				return nil, err
			}
		}

		err = l.store.Delete(ctx, key, current.Version)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= l.conflictRetries {
			return nil, fmt.Errorf("delete %s: %w", key, err)
		}
		l.logger.Debug("ledger version conflict on delete, retrying", "key", key.String(), "attempt", attempt+1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Summary aggregates the ledger. Entries processed before now minus
// threshold count as stale.
func (l *Ledger) Summary(ctx context.Context, threshold time.Duration) (*models.LedgerSummary, error) {
	entries, err := l.store.Query(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	cutoff := models.DateOf(l.now().Add(-threshold))
	summary := &models.LedgerSummary{
		ByStatus: make(map[models.Status]int),
		ByType:   make(map[models.ContentType]int),
		Failed:   []models.FailedEntry{},
	}
	for _, e := range entries {
		summary.Total++
		summary.ByStatus[e.Status]++
		summary.ByType[e.ContentType]++
		if e.Archive {
			summary.Archived++
		}
		if e.InFlight() {
			summary.InFlight++
		}
		if !e.Archive && e.Status.Processed() && (e.UpdateDate.IsZero() || e.UpdateDate.Before(cutoff.Time)) {
			summary.Stale++
		}
		if e.Status == models.StatusFailed {
			reason := ""
			if e.FailureReason != nil {
				reason = *e.FailureReason
			}
			summary.Failed = append(summary.Failed, models.FailedEntry{
				ContentType:   e.ContentType,
				Name:          e.Name,
				FailureReason: reason,
				RetryCount:    e.RetryCount,
			})
		}
	}
	return summary, nil
}
