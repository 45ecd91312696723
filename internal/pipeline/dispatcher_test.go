package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/models"
)

func TestClaim(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	selected := seed(t, l, models.ContentTypeRepo, "repo-x", models.StatusStaged, -1)

	claimed, err := Claim(ctx, l, StageIngest, selected)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIngestPending, claimed.Status)
	assert.Equal(t, models.StatusStaged, claimed.PreviousStatus)
	assert.NotEmpty(t, claimed.ClaimID)
	require.NotNil(t, claimed.LastProcessingAttempt)
	assert.Equal(t, testNow, *claimed.LastProcessingAttempt)

	_, err = Claim(ctx, l, StageIngest, selected)
	assert.ErrorIs(t, err, ledger.ErrAlreadyClaimed)
}

func TestClaimExactlyOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	selected := seed(t, l, models.ContentTypeRepo, "repo-x", models.StatusStaged, -1)

	const workers = 8
	var (
		wg, ready sync.WaitGroup
		start     = make(chan struct{})
		won       atomic.Int32
		lost      atomic.Int32
	)
	for range workers {
		wg.Add(1)
		ready.Add(1)
		go func() {
			defer wg.Done()
			ready.Done()
			<-start
			_, err := Claim(ctx, l, StageIngest, selected)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ledger.ErrAlreadyClaimed):
				lost.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	ready.Wait()
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(workers-1), lost.Load())
}

func TestClaimRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("stale selection", func(t *testing.T) {
		l, _ := newTestLedger(t)
		selected := seed(t, l, models.ContentTypeRepo, "repo-x", models.StatusCompleted, 10)

		// Another run refreshed the entry after it was selected.
		_, err := l.Mutate(ctx, selected.Key(), func(e *models.ContentEntry) error {
			e.Status = models.StatusIngested
			return nil
		})
		require.NoError(t, err)

		_, err = Claim(ctx, l, StageIngest, selected)
		assert.ErrorIs(t, err, ledger.ErrAlreadyClaimed)
	})

	t.Run("archived", func(t *testing.T) {
		l, _ := newTestLedger(t)
		selected := seed(t, l, models.ContentTypeRepo, "repo-x", models.StatusStaged, -1)
		selected.Archive = true
		require.NoError(t, l.Put(ctx, selected))

		_, err := Claim(ctx, l, StageIngest, selected)
		assert.ErrorIs(t, err, ledger.ErrArchived)
	})

	t.Run("wrong stage", func(t *testing.T) {
		l, _ := newTestLedger(t)
		selected := seed(t, l, models.ContentTypeRepo, "repo-x", models.StatusStaged, -1)

		_, err := Claim(ctx, l, StageVectorize, selected)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("removed", func(t *testing.T) {
		l, _ := newTestLedger(t)
		selected := seed(t, l, models.ContentTypeRepo, "repo-x", models.StatusStaged, -1)
		_, err := l.Remove(ctx, selected.Key(), nil)
		require.NoError(t, err)

		_, err = Claim(ctx, l, StageIngest, selected)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

func TestCompleteAfterSweepLosesClaim(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	selected := seed(t, l, models.ContentTypeRepo, "repo-x", models.StatusStaged, -1)

	claimed, err := Claim(ctx, l, StageIngest, selected)
	require.NoError(t, err)

	// A sweep reverted the entry and a second worker re-claimed it.
	_, err = l.Mutate(ctx, claimed.Key(), func(e *models.ContentEntry) error {
		return applyFailure(e, DefaultRetryPolicy(), StageIngest, "claim expired")
	})
	require.NoError(t, err)
	reclaimed, err := Claim(ctx, l, StageIngest, get(t, l, models.ContentTypeRepo, "repo-x"))
	require.NoError(t, err)

	_, err = complete(ctx, l, StageIngest, claimed, &TaskResult{BucketLocation: "s3://b/old"})
	assert.ErrorIs(t, err, ErrClaimLost)
	_, err = fail(ctx, l, DefaultRetryPolicy(), StageIngest, claimed, "boom")
	assert.ErrorIs(t, err, ErrClaimLost)

	current := get(t, l, models.ContentTypeRepo, "repo-x")
	assert.Equal(t, models.StatusIngestPending, current.Status)
	assert.Equal(t, reclaimed.ClaimID, current.ClaimID)
}

func TestDispatchIngestSuccess(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, models.ContentTypeRepo, "repo-x", models.StatusStaged, -1)

	var seenStatus models.Status
	task := TaskFunc(func(ctx context.Context, e *models.ContentEntry) (*TaskResult, error) {
		current, err := l.Get(ctx, e.Key())
		if err != nil {
			return nil, err
		}
		seenStatus = current.Status
		return &TaskResult{BucketLocation: "s3://bucket/processed/repo/2026-03-10/repo-x.md"}, nil
	})

	var outcomes []models.EntryOutcome
	result, err := testDispatcher(l, noBackoff(3, true)).Dispatch(ctx, StageIngest, task,
		[]*models.ContentEntry{get(t, l, models.ContentTypeRepo, "repo-x")},
		DispatchOptions{OnOutcome: func(o models.EntryOutcome) { outcomes = append(outcomes, o) }})
	require.NoError(t, err)

	assert.Equal(t, "ingest", result.Stage)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Succeeded)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.OutcomeSucceeded, outcomes[0].Outcome)
	assert.Equal(t, models.StatusIngested, outcomes[0].Status)
	assert.Equal(t, 1, outcomes[0].Attempts)

	assert.Equal(t, models.StatusIngestPending, seenStatus)

	e := get(t, l, models.ContentTypeRepo, "repo-x")
	assert.Equal(t, models.StatusIngested, e.Status)
	assert.Equal(t, models.DateOf(testNow), e.UpdateDate)
	assert.Equal(t, "s3://bucket/processed/repo/2026-03-10/repo-x.md", e.BucketLocation)
	assert.Zero(t, e.RetryCount)
	assert.Nil(t, e.FailureReason)
	assert.Empty(t, e.ClaimID)
	assert.Empty(t, e.PreviousStatus)
}

func TestDispatchRetriesUntilFailed(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, models.ContentTypeBlog, "broken", models.StatusStaged, -1)

	var calls atomic.Int32
	task := TaskFunc(func(context.Context, *models.ContentEntry) (*TaskResult, error) {
		calls.Add(1)
		return nil, errors.New("fetch: 404 not found")
	})

	result, err := testDispatcher(l, noBackoff(3, true)).Dispatch(ctx, StageIngest, task,
		[]*models.ContentEntry{get(t, l, models.ContentTypeBlog, "broken")}, DispatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Outcomes, 1)
	o := result.Outcomes[0]
	assert.Equal(t, models.OutcomeFailed, o.Outcome)
	assert.Equal(t, 3, o.Attempts)
	assert.Equal(t, 3, o.RetryCount)
	assert.Equal(t, "fetch: 404 not found", o.Error)

	e := get(t, l, models.ContentTypeBlog, "broken")
	assert.Equal(t, models.StatusFailed, e.Status)
	assert.Equal(t, 3, e.RetryCount)
	require.NotNil(t, e.FailureReason)
	assert.Equal(t, "fetch: 404 not found", *e.FailureReason)

	candidates, err := NewEvaluator(l).SelectCandidates(ctx, SelectOptions{ThresholdDays: 7, ForceRefresh: true})
	require.NoError(t, err)
	assert.Empty(t, candidates, "failed entries are never re-selected")
}

func TestDispatchRevertsWithoutRequeue(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, models.ContentTypeRepo, "stale", models.StatusCompleted, 10)

	task := TaskFunc(func(context.Context, *models.ContentEntry) (*TaskResult, error) {
		return nil, errors.New("clone timed out")
	})

	result, err := testDispatcher(l, noBackoff(3, false)).Dispatch(ctx, StageIngest, task,
		[]*models.ContentEntry{get(t, l, models.ContentTypeRepo, "stale")}, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reverted)
	assert.Equal(t, models.OutcomeRetrying, result.Outcomes[0].Outcome)

	e := get(t, l, models.ContentTypeRepo, "stale")
	assert.Equal(t, models.StatusCompleted, e.Status, "reverted to the status held before the claim")
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, models.DateOf(testNow.AddDate(0, 0, -10)), e.UpdateDate)

	candidates, err := NewEvaluator(l).SelectCandidates(ctx, SelectOptions{ThresholdDays: 7})
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, names(candidates))
}

func TestDispatchSucceedsAfterRetry(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, models.ContentTypeSlack, "general", models.StatusStaged, -1)

	var calls atomic.Int32
	task := TaskFunc(func(context.Context, *models.ContentEntry) (*TaskResult, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("rate limited")
		}
		return &TaskResult{BucketLocation: "s3://b/general.md"}, nil
	})

	result, err := testDispatcher(l, noBackoff(3, true)).Dispatch(ctx, StageIngest, task,
		[]*models.ContentEntry{get(t, l, models.ContentTypeSlack, "general")}, DispatchOptions{})
	require.NoError(t, err)

	o := result.Outcomes[0]
	assert.Equal(t, models.OutcomeSucceeded, o.Outcome)
	assert.Equal(t, 2, o.Attempts)

	e := get(t, l, models.ContentTypeSlack, "general")
	assert.Equal(t, models.StatusIngested, e.Status)
	assert.Zero(t, e.RetryCount)
	assert.Nil(t, e.FailureReason)
}

func TestDispatchPartialSuccess(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	for _, name := range []string{"a", "b", "c"} {
		seed(t, l, models.ContentTypeBlog, name, models.StatusStaged, -1)
	}
	entries, err := NewEvaluator(l).SelectCandidates(ctx, SelectOptions{ThresholdDays: 7})
	require.NoError(t, err)

	task := TaskFunc(func(_ context.Context, e *models.ContentEntry) (*TaskResult, error) {
		if e.Name == "b" {
			return nil, errors.New("parse failed")
		}
		return &TaskResult{BucketLocation: "s3://b/" + e.Name}, nil
	})

	result, err := testDispatcher(l, noBackoff(1, true)).Dispatch(ctx, StageIngest, task, entries, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	assert.Equal(t, []string{"a", "b", "c"}, []string{result.Outcomes[0].Name, result.Outcomes[1].Name, result.Outcomes[2].Name})
	assert.Equal(t, models.StatusIngested, get(t, l, models.ContentTypeBlog, "a").Status)
	assert.Equal(t, models.StatusFailed, get(t, l, models.ContentTypeBlog, "b").Status)
	assert.Equal(t, models.StatusIngested, get(t, l, models.ContentTypeBlog, "c").Status)
}

func TestDispatchRecoversPanics(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, models.ContentTypeNotebook, "nb", models.StatusStaged, -1)

	task := TaskFunc(func(context.Context, *models.ContentEntry) (*TaskResult, error) {
		panic("nil map")
	})

	result, err := testDispatcher(l, noBackoff(1, true)).Dispatch(ctx, StageIngest, task,
		[]*models.ContentEntry{get(t, l, models.ContentTypeNotebook, "nb")}, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, result.Outcomes[0].Error, "task panic: nil map")
	assert.Equal(t, models.StatusFailed, get(t, l, models.ContentTypeNotebook, "nb").Status)
}

func TestDispatchTaskTimeout(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, models.ContentTypeRepo, "slow", models.StatusStaged, -1)

	task := TaskFunc(func(ctx context.Context, _ *models.ContentEntry) (*TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	d := testDispatcher(l, noBackoff(1, true), WithTaskTimeout(20*time.Millisecond))
	result, err := d.Dispatch(ctx, StageIngest, task,
		[]*models.ContentEntry{get(t, l, models.ContentTypeRepo, "slow")}, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, result.Outcomes[0].Error, "deadline exceeded")
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	var entries []*models.ContentEntry
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		entries = append(entries, seed(t, l, models.ContentTypeBlog, name, models.StatusStaged, -1))
	}

	var running, peak atomic.Int32
	task := TaskFunc(func(context.Context, *models.ContentEntry) (*TaskResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return &TaskResult{}, nil
	})

	result, err := testDispatcher(l, noBackoff(3, true)).Dispatch(ctx, StageIngest, task, entries,
		DispatchOptions{MaxConcurrent: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, result.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatchDeduplicatesEntries(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	e := seed(t, l, models.ContentTypeRepo, "repo-x", models.StatusStaged, -1)

	var calls atomic.Int32
	task := TaskFunc(func(context.Context, *models.ContentEntry) (*TaskResult, error) {
		calls.Add(1)
		return &TaskResult{}, nil
	})

	result, err := testDispatcher(l, noBackoff(3, true)).Dispatch(ctx, StageIngest, task,
		[]*models.ContentEntry{e, e.Clone()}, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, result.Total)
}

func TestDispatchCancelledRun(t *testing.T) {
	l, _ := newTestLedger(t)
	e := seed(t, l, models.ContentTypeRepo, "repo-x", models.StatusStaged, -1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := testDispatcher(l, noBackoff(3, true)).Dispatch(ctx, StageIngest, succeedTask("s3://b"),
		[]*models.ContentEntry{e}, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, models.StatusStaged, get(t, l, models.ContentTypeRepo, "repo-x").Status)
}

func TestDispatchCancelledMidTaskStillRecords(t *testing.T) {
	l, _ := newTestLedger(t)
	e := seed(t, l, models.ContentTypeRepo, "repo-x", models.StatusStaged, -1)

	ctx, cancel := context.WithCancel(context.Background())
	task := TaskFunc(func(ctx context.Context, _ *models.ContentEntry) (*TaskResult, error) {
		cancel()
		return nil, ctx.Err()
	})

	result, err := testDispatcher(l, noBackoff(3, true)).Dispatch(ctx, StageIngest, task,
		[]*models.ContentEntry{e}, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reverted)

	current := get(t, l, models.ContentTypeRepo, "repo-x")
	assert.Equal(t, models.StatusStaged, current.Status, "entry is not stranded in flight")
	assert.Equal(t, 1, current.RetryCount)
}

func TestDispatchSkipsArchivedAfterSelection(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	selected := seed(t, l, models.ContentTypeRepo, "repo-x", models.StatusStaged, -1)

	_, err := l.Mutate(ctx, selected.Key(), func(e *models.ContentEntry) error {
		e.Archive = true
		return nil
	})
	require.NoError(t, err)

	result, err := testDispatcher(l, noBackoff(3, true)).Dispatch(ctx, StageIngest, succeedTask("s3://b"),
		[]*models.ContentEntry{selected}, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, models.OutcomeSkipped, result.Outcomes[0].Outcome)
	assert.Equal(t, models.StatusStaged, get(t, l, models.ContentTypeRepo, "repo-x").Status)
}

func TestDispatchReleasesPoolQuietly(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	seed(t, l, models.ContentTypeBlog, "post", models.StatusStaged, -1)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	task := TaskFunc(func(context.Context, *models.ContentEntry) (*TaskResult, error) {
		return &TaskResult{}, nil
	})

	result, err := testDispatcher(l, noBackoff(1, false), WithDispatcherLogger(logger)).Dispatch(ctx, StageIngest, task,
		[]*models.ContentEntry{get(t, l, models.ContentTypeBlog, "post")}, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Empty(t, logs.String())
}
