// Package ledgertest holds the behavioural suite every ledger.Store must pass.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/models"
)

// Factory returns an empty store. Cleanup is registered on t by the factory.
type Factory func(t *testing.T) ledger.Store

// Entry builds a test entry.
func Entry(ct models.ContentType, name string, status models.Status) *models.ContentEntry {
	src := "https://example.com/" + name
	e := models.NewContentEntry(ct, name, &src, time.Now())
	e.Status = status
	return e
}

// Run executes the suite against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("UpdateCompareAndSwap", func(t *testing.T) { testUpdateCAS(t, newStore(t)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("QueryFilters", func(t *testing.T) { testQueryFilters(t, newStore(t)) })
	t.Run("ConcurrentUpdatesSerialize", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	e := Entry(models.ContentTypeRepo, "repo-x", models.StatusStaged)
	reason := "last error"
	e.FailureReason = &reason
	e.RetryCount = 2

	require.NoError(t, s.Create(ctx, e))
	assert.Equal(t, int64(1), e.Version)

	got, err := s.Get(ctx, e.Key())
	require.NoError(t, err)
	assert.Equal(t, "repo-x", got.Name)
	assert.Equal(t, models.ContentTypeRepo, got.ContentType)
	assert.Equal(t, models.StatusStaged, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.SourceURL)
	assert.Equal(t, *e.SourceURL, *got.SourceURL)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "last error", *got.FailureReason)
	assert.Equal(t, e.SourceDate.String(), got.SourceDate.String())

	_, err = s.Get(ctx, models.NewKey(models.ContentTypeBlog, "repo-x"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testCreateDuplicate(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Entry(models.ContentTypeBlog, "post", models.StatusStaged)))

	err := s.Create(ctx, Entry(models.ContentTypeBlog, "post", models.StatusStaged))
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	// Same name under another content type is a different entry.
	require.NoError(t, s.Create(ctx, Entry(models.ContentTypeSlide, "post", models.StatusStaged)))
}

func testUpdateCAS(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	e := Entry(models.ContentTypeRepo, "repo-y", models.StatusStaged)
	require.NoError(t, s.Create(ctx, e))

	first, err := s.Get(ctx, e.Key())
	require.NoError(t, err)
	second, err := s.Get(ctx, e.Key())
	require.NoError(t, err)

	first.Status = models.StatusIngestPending
	require.NoError(t, s.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Status = models.StatusIngestPending
	assert.ErrorIs(t, s.Update(ctx, second), ledger.ErrVersionConflict)

	got, err := s.Get(ctx, e.Key())
	require.NoError(t, err)
	assert.Equal(t, models.StatusIngestPending, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func testUpdateMissing(t *testing.T, s ledger.Store) {
	e := Entry(models.ContentTypeRepo, "ghost", models.StatusStaged)
	e.Version = 1
	assert.ErrorIs(t, s.Update(context.Background(), e), ledger.ErrNotFound)
}

func testDelete(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	e := Entry(models.ContentTypeNotebook, "nb", models.StatusCompleted)
	require.NoError(t, s.Create(ctx, e))

	stale := e.Version
	e.Status = models.StatusStaged
	require.NoError(t, s.Update(ctx, e))
	assert.ErrorIs(t, s.Delete(ctx, e.Key(), stale), ledger.ErrVersionConflict)
	_, err := s.Get(ctx, e.Key())
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, e.Key(), e.Version))
	_, err = s.Get(ctx, e.Key())
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, e.Key(), e.Version), ledger.ErrNotFound)
}

func testQueryFilters(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := Entry(models.ContentTypeRepo, "fresh", models.StatusIngested)
	fresh.UpdateDate = models.DateOf(now.AddDate(0, 0, -3))
	stale := Entry(models.ContentTypeRepo, "stale", models.StatusCompleted)
	stale.UpdateDate = models.DateOf(now.AddDate(0, 0, -10))
	archived := Entry(models.ContentTypeBlog, "archived", models.StatusStaged)
	archived.Archive = true
	pending := Entry(models.ContentTypeBlog, "pending", models.StatusIngestPending)
	old := now.Add(-2 * time.Hour)
	pending.LastProcessingAttempt = &old
	staged := Entry(models.ContentTypeSlack, "staged", models.StatusStaged)

	for _, e := range []*models.ContentEntry{fresh, stale, archived, pending, staged} {
		require.NoError(t, s.Create(ctx, e))
	}

	names := func(f ledger.Filter) []string {
		t.Helper()
		entries, err := s.Query(ctx, f)
		require.NoError(t, err)
		var out []string
		for _, e := range entries {
			out = append(out, e.Name)
		}
		return out
	}

	assert.Len(t, names(ledger.Filter{}), 5)
	assert.ElementsMatch(t, []string{"archived", "staged"}, names(ledger.Filter{Statuses: []models.Status{models.StatusStaged}}))
	assert.ElementsMatch(t, []string{"fresh", "stale"}, names(ledger.Filter{ContentTypes: []models.ContentType{models.ContentTypeRepo}}))
	assert.ElementsMatch(t, []string{"archived"}, names(ledger.Filter{Archived: ledger.Bool(true)}))
	assert.Len(t, names(ledger.Filter{Archived: ledger.Bool(false)}), 4)

	cutoff := now.AddDate(0, 0, -7)
	assert.ElementsMatch(t, []string{"stale"}, names(ledger.Filter{
		Statuses:      []models.Status{models.StatusIngested, models.StatusCompleted},
		UpdatedBefore: &cutoff,
	}))

	attemptCutoff := now.Add(-time.Hour)
	assert.ElementsMatch(t, []string{"pending"}, names(ledger.Filter{AttemptBefore: &attemptCutoff}))
	recent := now.Add(-3 * time.Hour)
	assert.Empty(t, names(ledger.Filter{AttemptBefore: &recent}))
}

func testConcurrentUpdates(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	e := Entry(models.ContentTypeRepo, "race", models.StatusStaged)
	require.NoError(t, s.Create(ctx, e))

	const workers = 8
	var wins, conflicts atomic.Int32
	var wg, ready sync.WaitGroup
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		ready.Add(1)
		go func() {
			defer wg.Done()
			claim, err := s.Get(ctx, e.Key())
			ready.Done()
			if err != nil {
				return
			}
			<-start
			claim.Status = models.StatusIngestPending
			err = s.Update(ctx, claim)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ledger.ErrVersionConflict):
				conflicts.Add(1)
			}
		}()
	}
	// Every goroutine holds version 1 before any of them writes.
	ready.Wait()
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), conflicts.Load())
}
