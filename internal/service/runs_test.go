package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/contentops/internal/metrics"
	"github.com/raphaelgruber/contentops/internal/models"
)

func TestParseRunKind(t *testing.T) {
	for _, s := range []string{"ingest", "vectorize", "process", "sweep"} {
		k, err := ParseRunKind(s)
		require.NoError(t, err)
		assert.Equal(t, RunKind(s), k)
	}
	_, err := ParseRunKind("reindex")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRunManager_StartTracksProgress(t *testing.T) {
	p := &fakePipeline{outcomes: []models.EntryOutcome{
		{Name: "a", Outcome: models.OutcomeSucceeded},
		{Name: "b", Outcome: models.OutcomeRetrying},
		{Name: "c", Outcome: models.OutcomeFailed},
		{Name: "d", Outcome: models.OutcomeSkipped},
	}}
	m := newTestRunManager(p)

	req := RunRequest{ContentTypes: []models.ContentType{models.ContentTypeBlog}, ForceRefresh: true, MaxConcurrent: 2}
	r, err := m.Start(RunIngest, req)
	require.NoError(t, err)
	assert.Len(t, r.ID, 8)

	snap := waitRun(t, r)
	assert.Equal(t, RunStatusCompleted, snap.Status)
	assert.Equal(t, 4, snap.Planned)
	assert.Equal(t, 4, snap.Processed)
	assert.Equal(t, 1, snap.Succeeded)
	assert.Equal(t, 1, snap.Reverted)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Skipped)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "ingest", snap.Result.Stage)
	require.NotNil(t, snap.CompletedAt)

	opts := p.Opts()
	require.Len(t, opts, 1)
	assert.Equal(t, req.ContentTypes, opts[0].ContentTypes)
	assert.True(t, opts[0].ForceRefresh)
	assert.Equal(t, 2, opts[0].MaxConcurrent)
	assert.Empty(t, m.Active())
}

func TestRunManager_RejectsOverlappingStages(t *testing.T) {
	p := &fakePipeline{block: make(chan struct{})}
	m := newTestRunManager(p)

	process, err := m.Start(RunProcess, RunRequest{})
	require.NoError(t, err)

	_, err = m.Start(RunIngest, RunRequest{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = m.Start(RunVectorize, RunRequest{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = m.Execute(context.Background(), RunProcess, RunRequest{})
	assert.ErrorIs(t, err, ErrRunInProgress)

	sweep, err := m.Start(RunSweep, RunRequest{})
	require.NoError(t, err, "sweeps do not overlap ingest or vectorize")
	assert.Equal(t, map[string]string{"ingest": process.ID, "vectorize": process.ID, "sweep": sweep.ID}, m.Active())

	close(p.block)
	waitRun(t, process)
	waitRun(t, sweep)

	next, err := m.Start(RunIngest, RunRequest{})
	require.NoError(t, err)
	waitRun(t, next)
}

func TestRunManager_FailedRun(t *testing.T) {
	p := &fakePipeline{err: errors.New("ledger unavailable")}
	m := newTestRunManager(p)

	r, err := m.Execute(context.Background(), RunVectorize, RunRequest{})
	require.Error(t, err)
	require.NotNil(t, r)
	snap := r.Snapshot()
	assert.Equal(t, RunStatusFailed, snap.Status)
	assert.Equal(t, "ledger unavailable", snap.Error)
	assert.Nil(t, snap.Result)
	assert.Empty(t, m.Active(), "a failed run releases its stages")
}

func TestRunManager_ExecuteSweep(t *testing.T) {
	p := &fakePipeline{outcomes: []models.EntryOutcome{{Name: "stuck", Outcome: models.OutcomeRetrying}}}
	m := newTestRunManager(p)

	r, err := m.Execute(context.Background(), RunSweep, RunRequest{})
	require.NoError(t, err)
	snap := r.Snapshot()
	assert.Equal(t, RunStatusCompleted, snap.Status)
	assert.Equal(t, 1, snap.Reverted)
	assert.Equal(t, []string{"sweep"}, p.Calls())
}

func TestRunManager_GetAndList(t *testing.T) {
	m := newTestRunManager(&fakePipeline{})
	ctx := context.Background()

	first, err := m.Execute(ctx, RunIngest, RunRequest{})
	require.NoError(t, err)
	second, err := m.Execute(ctx, RunVectorize, RunRequest{})
	require.NoError(t, err)

	got, err := m.Get(first.ID)
	require.NoError(t, err)
	assert.Same(t, first, got)

	_, err = m.Get("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, first.ID, list[1].ID)
}

func TestRunManager_RetainsBoundedHistory(t *testing.T) {
	clock := &tickClock{now: testNow}
	m := NewRunManager(&fakePipeline{}, discard, WithRunClock(clock.Now), WithRetainedRuns(2))
	ctx := context.Background()

	var ids []string
	for range 4 {
		r, err := m.Execute(ctx, RunSweep, RunRequest{})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, ids[3], list[0].ID)
	assert.Equal(t, ids[2], list[1].ID)
	_, err := m.Get(ids[0])
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunManager_ChangedSignalsUpdates(t *testing.T) {
	p := &fakePipeline{block: make(chan struct{})}
	m := newTestRunManager(p)

	r, err := m.Start(RunIngest, RunRequest{})
	require.NoError(t, err)
	changed := r.Changed()

	close(p.block)
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("run never signalled a change")
	}
	waitRun(t, r)
}

func TestRunManager_Shutdown(t *testing.T) {
	p := &fakePipeline{block: make(chan struct{})}
	m := newTestRunManager(p)

	r, err := m.Start(RunProcess, RunRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	snap := r.Snapshot()
	assert.Equal(t, RunStatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "context canceled")

	_, err = m.Start(RunIngest, RunRequest{})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestRunManager_RecordsOutcomeMetrics(t *testing.T) {
	c := metrics.NewCollector()
	p := &fakePipeline{outcomes: []models.EntryOutcome{
		{Name: "a", Outcome: models.OutcomeSucceeded},
		{Name: "b", Outcome: models.OutcomeFailed},
	}}
	m := NewRunManager(p, discard, WithRunMetrics(c))

	_, err := m.Execute(context.Background(), RunVectorize, RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"vectorize.succeeded": 1, "vectorize.failed": 1}, c.Snapshot().Outcomes)
}
