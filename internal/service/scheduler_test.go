package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_TickSweepsThenProcesses(t *testing.T) {
	p := &fakePipeline{}
	m := newTestRunManager(p)
	s := NewScheduler(m, time.Minute, discard)

	s.Tick(context.Background())
	assert.Equal(t, []string{"sweep", "process"}, p.Calls())

	runs := m.List()
	require.Len(t, runs, 2)
	assert.Equal(t, RunProcess, runs[0].Kind)
	assert.Equal(t, RunSweep, runs[1].Kind)
}

func TestScheduler_TickSkipsBusyStages(t *testing.T) {
	p := &fakePipeline{block: make(chan struct{}), blockStage: "ingest"}
	m := newTestRunManager(p)
	active, err := m.Start(RunIngest, RunRequest{})
	require.NoError(t, err)

	NewScheduler(m, time.Minute, discard).Tick(context.Background())
	close(p.block)
	waitRun(t, active)

	calls := p.Calls()
	assert.Contains(t, calls, "sweep")
	assert.NotContains(t, calls, "process", "process overlaps the active ingest run")
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	p := &fakePipeline{}
	m := newTestRunManager(p)
	s := NewScheduler(m, 10*time.Millisecond, discard)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(p.Calls()) >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
