package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/ledger/ledgertest"
	"github.com/raphaelgruber/contentops/internal/models"
)

// conflictingStore forces a number of version conflicts before delegating.
type conflictingStore struct {
	*ledger.MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) Update(ctx context.Context, e *models.ContentEntry) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return ledger.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, e)
}

func TestLedger_PutCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithClock(func() time.Time { return now }))

	e := ledgertest.Entry(models.ContentTypeRepo, "repo-x", models.StatusStaged)
	require.NoError(t, l.Put(ctx, e))
	assert.Equal(t, int64(1), e.Version)
	assert.Equal(t, now, e.UpdatedAt)

	dup := ledgertest.Entry(models.ContentTypeRepo, "repo-x", models.StatusStaged)
	assert.ErrorIs(t, l.Put(ctx, dup), ledger.ErrAlreadyExists)

	e.Archive = true
	require.NoError(t, l.Put(ctx, e))
	assert.Equal(t, int64(2), e.Version)

	bad := ledgertest.Entry(models.ContentTypeRepo, "", models.StatusStaged)
	assert.Error(t, l.Put(ctx, bad))
}

func TestLedger_MutateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{MemoryStore: ledger.NewMemoryStore()}
	l := ledger.New(store)

	e := ledgertest.Entry(models.ContentTypeBlog, "post", models.StatusStaged)
	require.NoError(t, l.Put(ctx, e))

	store.conflicts = 2
	calls := 0
	got, err := l.Mutate(ctx, e.Key(), func(cur *models.ContentEntry) error {
		calls++
		cur.RetryCount++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, got.RetryCount)
}

func TestLedger_MutateGivesUp(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{MemoryStore: ledger.NewMemoryStore()}
	l := ledger.New(store, ledger.WithConflictRetries(1))

	e := ledgertest.Entry(models.ContentTypeBlog, "post", models.StatusStaged)
	require.NoError(t, l.Put(ctx, e))

	store.conflicts = 5
	_, err := l.Mutate(ctx, e.Key(), func(*models.ContentEntry) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrVersionConflict)
}

func TestLedger_MutateAbortsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	e := ledgertest.Entry(models.ContentTypeBlog, "post", models.StatusStaged)
	require.NoError(t, l.Put(ctx, e))

	errStop := errors.New("stop")
	_, err := l.Mutate(ctx, e.Key(), func(cur *models.ContentEntry) error {
		cur.Status = models.StatusFailed
		return errStop
	})
	assert.ErrorIs(t, err, errStop)

	got, err := l.Get(ctx, e.Key())
	require.NoError(t, err)
	assert.Equal(t, models.StatusStaged, got.Status)
	assert.Equal(t, int64(1), got.Version)

	_, err = l.Mutate(ctx, models.NewKey(models.ContentTypeBlog, "missing"), func(*models.ContentEntry) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestLedger_Remove(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	e := ledgertest.Entry(models.ContentTypeSlide, "deck", models.StatusCompleted)
	require.NoError(t, l.Put(ctx, e))

	removed, err := l.Remove(ctx, e.Key(), nil)
	require.NoError(t, err)
	assert.Equal(t, "deck", removed.Name)

	_, err = l.Remove(ctx, e.Key(), nil)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestLedger_RemoveCheckAborts(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	e := ledgertest.Entry(models.ContentTypeRepo, "repo-x", models.StatusIngestPending)
	require.NoError(t, l.Put(ctx, e))

	_, err := l.Remove(ctx, e.Key(), func(e *models.ContentEntry) error {
		if e.InFlight() {
			return ledger.ErrInFlight
		}
		return nil
	})
	assert.ErrorIs(t, err, ledger.ErrInFlight)

	_, err = l.Get(ctx, e.Key())
	assert.NoError(t, err)
}

// claimOnFirstDelete writes to the entry right before the first delete, the
// way a worker claim landing between read and delete would.
type claimOnFirstDelete struct {
	*ledger.MemoryStore
	done bool
}

func (s *claimOnFirstDelete) Delete(ctx context.Context, key models.Key, version int64) error {
	if !s.done {
		s.done = true
		e, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		e.Status = models.StatusIngestPending
		if err := s.Update(ctx, e); err != nil {
			return err
		}
	}
	return s.MemoryStore.Delete(ctx, key, version)
}

func TestLedger_RemoveRechecksAfterConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	store := &claimOnFirstDelete{MemoryStore: ledger.NewMemoryStore()}
	l := ledger.New(store)
	e := ledgertest.Entry(models.ContentTypeRepo, "repo-x", models.StatusStaged)
	require.NoError(t, l.Put(ctx, e))

	checks := 0
	_, err := l.Remove(ctx, e.Key(), func(e *models.ContentEntry) error {
		checks++
		if e.InFlight() {
			return ledger.ErrInFlight
		}
		return nil
	})
	assert.ErrorIs(t, err, ledger.ErrInFlight)
	assert.Equal(t, 2, checks)

	got, err := l.Get(ctx, e.Key())
	require.NoError(t, err)
	assert.Equal(t, models.StatusIngestPending, got.Status)
}

func TestLedger_Summary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithClock(func() time.Time { return now }))

	reason := "clone failed: repository not found"
	failed := ledgertest.Entry(models.ContentTypeRepo, "gone", models.StatusFailed)
	failed.FailureReason = &reason
	failed.RetryCount = 3

	stale := ledgertest.Entry(models.ContentTypeBlog, "old-post", models.StatusCompleted)
	stale.UpdateDate = models.DateOf(now.AddDate(0, 0, -30))

	fresh := ledgertest.Entry(models.ContentTypeBlog, "new-post", models.StatusCompleted)
	fresh.UpdateDate = models.DateOf(now)

	archived := ledgertest.Entry(models.ContentTypeSlack, "chan", models.StatusCompleted)
	archived.Archive = true
	archived.UpdateDate = models.DateOf(now.AddDate(0, 0, -30))

	pending := ledgertest.Entry(models.ContentTypeNotebook, "nb", models.StatusVectorizePending)

	for _, e := range []*models.ContentEntry{failed, stale, fresh, archived, pending} {
		require.NoError(t, l.Put(ctx, e))
	}

	s, err := l.Summary(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 3, s.ByStatus[models.StatusCompleted])
	assert.Equal(t, 2, s.ByType[models.ContentTypeBlog])
	assert.Equal(t, 1, s.Archived)
	assert.Equal(t, 1, s.InFlight)
	assert.Equal(t, 1, s.Stale)
	require.Len(t, s.Failed, 1)
	assert.Equal(t, "gone", s.Failed[0].Name)
	assert.Equal(t, reason, s.Failed[0].FailureReason)
	assert.Equal(t, 3, s.Failed[0].RetryCount)
}
