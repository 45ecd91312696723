// Package ledger is the tracking ledger: the single source of truth for the
// lifecycle of every content entry.
package ledger

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/raphaelgruber/contentops/internal/models"
)

// Sentinel errors shared by every Store implementation.
var (
	ErrNotFound        = errors.New("entry not found")
	ErrAlreadyExists   = errors.New("entry already exists")
	ErrVersionConflict = errors.New("entry modified concurrently")
	ErrAlreadyClaimed  = errors.New("entry already claimed")
	ErrInFlight        = errors.New("entry is being processed")
	ErrArchived        = errors.New("entry is archived")
)

// Store persists ledger entries. Every mutation is atomic per entry and
// Update is a compare-and-swap on ContentEntry.Version: it fails with
// ErrVersionConflict when the stored version differs from the given one.
// Create sets Version to 1 and Update increments it, both on the passed entry.
// Delete is conditional on version the same way Update is.
type Store interface {
	Get(ctx context.Context, key models.Key) (*models.ContentEntry, error)
	Create(ctx context.Context, entry *models.ContentEntry) error
	Update(ctx context.Context, entry *models.ContentEntry) error
	Delete(ctx context.Context, key models.Key, version int64) error
	Query(ctx context.Context, filter Filter) ([]*models.ContentEntry, error)
}

// Filter selects entries. Empty fields match everything.
type Filter struct {
	Statuses     []models.Status
	ContentTypes []models.ContentType
	Archived     *bool
	// UpdatedBefore matches entries whose update_date is before this day,
	// including entries never updated.
	UpdatedBefore *time.Time
	// AttemptBefore matches entries whose last processing attempt is before
	// this instant. Entries without an attempt never match.
	AttemptBefore *time.Time
}

// Matches evaluates the filter in memory. Stores that cannot push a filter
// down to their backend use it directly.
func (f Filter) Matches(e *models.ContentEntry) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}
	if len(f.ContentTypes) > 0 && !slices.Contains(f.ContentTypes, e.ContentType) {
		return false
	}
	if f.Archived != nil && e.Archive != *f.Archived {
		return false
	}
	if f.UpdatedBefore != nil {
		cutoff := models.DateOf(*f.UpdatedBefore)
		if !e.UpdateDate.IsZero() && !e.UpdateDate.Before(cutoff.Time) {
			return false
		}
	}
	if f.AttemptBefore != nil {
		if e.LastProcessingAttempt == nil || !e.LastProcessingAttempt.Before(*f.AttemptBefore) {
			return false
		}
	}
	return true
}

// Bool returns a pointer for Filter.Archived.
func Bool(v bool) *bool {
	return &v
}

// SortEntries orders entries by content type then name for stable output.
func SortEntries(entries []*models.ContentEntry) {
	slices.SortFunc(entries, func(a, b *models.ContentEntry) int {
		if a.ContentType != b.ContentType {
			if a.ContentType < b.ContentType {
				return -1
			}
			return 1
		}
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
}
