package service

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/models"
	"github.com/raphaelgruber/contentops/internal/pipeline"
	"github.com/raphaelgruber/contentops/internal/storage"
	"github.com/raphaelgruber/contentops/internal/vectorize"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

var discard = slog.New(slog.DiscardHandler)

// tickClock returns a later instant on every call.
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// fakePipeline records calls and reports the configured outcomes. When block
// is set, stages wait for it to close or for ctx to end; blockStage limits
// that to one stage.
type fakePipeline struct {
	mu         sync.Mutex
	calls      []string
	opts       []pipeline.RunOptions
	block      chan struct{}
	blockStage string
	err        error
	outcomes   []models.EntryOutcome
}

func (f *fakePipeline) run(ctx context.Context, stage string, opts pipeline.RunOptions) (*models.PipelineResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, stage)
	f.opts = append(f.opts, opts)
	block := f.block
	if f.blockStage != "" && f.blockStage != stage {
		block = nil
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	res := &models.PipelineResult{Stage: stage}
	if opts.OnPlanned != nil {
		opts.OnPlanned(stage, len(f.outcomes))
	}
	for _, o := range f.outcomes {
		res.Add(o)
		if opts.OnOutcome != nil {
			opts.OnOutcome(stage, o)
		}
	}
	return res, nil
}

func (f *fakePipeline) Ingest(ctx context.Context, opts pipeline.RunOptions) (*models.PipelineResult, error) {
	return f.run(ctx, "ingest", opts)
}

func (f *fakePipeline) Vectorize(ctx context.Context, opts pipeline.RunOptions) (*models.PipelineResult, error) {
	return f.run(ctx, "vectorize", opts)
}

func (f *fakePipeline) Process(ctx context.Context, opts pipeline.RunOptions) (*models.PipelineResult, error) {
	return f.run(ctx, "process", opts)
}

func (f *fakePipeline) Sweep(ctx context.Context) (*models.PipelineResult, error) {
	return f.run(ctx, "sweep", pipeline.RunOptions{})
}

func (f *fakePipeline) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePipeline) Opts() []pipeline.RunOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.RunOptions(nil), f.opts...)
}

func newTestRunManager(p Pipeline) *RunManager {
	clock := &tickClock{now: testNow}
	return NewRunManager(p, discard, WithRunClock(clock.Now))
}

func waitRun(t *testing.T, r *Run) RunSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := r.Wait(ctx)
	require.NoError(t, err)
	return snap
}

type fixture struct {
	svc     *ContentService
	ledger  *ledger.Ledger
	objects *storage.MemoryStore
	chunks  *vectorize.MemoryChunkStore
	runs    *RunManager
	pipe    *fakePipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(),
		ledger.WithClock(func() time.Time { return testNow }),
		ledger.WithLogger(discard),
	)
	f := &fixture{
		ledger:  l,
		objects: storage.NewMemoryStore(),
		chunks:  vectorize.NewMemoryChunkStore(),
		pipe:    &fakePipeline{},
	}
	f.runs = newTestRunManager(f.pipe)
	f.svc = NewContentService(l, f.objects, f.chunks, f.runs, 7, discard)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, f.runs.Shutdown(ctx))
	})
	return f
}

func (f *fixture) put(t *testing.T, ct models.ContentType, name string, status models.Status) *models.ContentEntry {
	t.Helper()
	src := "https://example.com/" + name
	e := models.NewContentEntry(ct, name, &src, testNow)
	e.Status = status
	require.NoError(t, f.ledger.Put(context.Background(), e))
	return e
}
