// Package service provides the operator operations and run tracking on top
// of the ledger and the pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/contentops/internal/metrics"
	"github.com/raphaelgruber/contentops/internal/models"
	"github.com/raphaelgruber/contentops/internal/pipeline"
)

var (
	// ErrRunInProgress is returned when a run of an overlapping stage is active.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrRunNotFound is returned for an unknown run ID.
	ErrRunNotFound = errors.New("run not found")
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("run manager is shutting down")
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunKind is what a run executes.
type RunKind string

const (
	RunIngest    RunKind = "ingest"
	RunVectorize RunKind = "vectorize"
	RunProcess   RunKind = "process"
	RunSweep     RunKind = "sweep"
)

// ParseRunKind validates a run kind.
func ParseRunKind(s string) (RunKind, error) {
	k := RunKind(s)
	switch k {
	case RunIngest, RunVectorize, RunProcess, RunSweep:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown run kind %q", ErrInvalid, s)
}

// stages are the pipeline stages a run of this kind occupies.
func (k RunKind) stages() []string {
	if k == RunProcess {
		return []string{string(RunIngest), string(RunVectorize)}
	}
	return []string{string(k)}
}

// Pipeline is the part of the orchestrator the run manager drives.
type Pipeline interface {
	Ingest(ctx context.Context, opts pipeline.RunOptions) (*models.PipelineResult, error)
	Vectorize(ctx context.Context, opts pipeline.RunOptions) (*models.PipelineResult, error)
	Process(ctx context.Context, opts pipeline.RunOptions) (*models.PipelineResult, error)
	Sweep(ctx context.Context) (*models.PipelineResult, error)
}

// RunRequest are the trigger parameters of a run.
type RunRequest struct {
	ContentTypes  []models.ContentType `json:"content_types,omitempty"`
	ForceRefresh  bool                 `json:"force_refresh,omitempty"`
	MaxConcurrent int                  `json:"max_concurrent,omitempty"`
	Keys          []models.Key         `json:"-"`
}

// Run is one tracked pipeline execution.
type Run struct {
	ID          string
	Kind        RunKind
	Status      RunStatus
	Request     RunRequest
	Planned     int
	Processed   int
	Succeeded   int
	Reverted    int
	Failed      int
	Skipped     int
	Result      *models.PipelineResult
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time

	mu      sync.RWMutex
	changed chan struct{}
	done    chan struct{}
}

// RunSnapshot is a point-in-time copy of a run, safe to serialize.
type RunSnapshot struct {
	ID          string                 `json:"id"`
	Kind        RunKind                `json:"kind"`
	Status      RunStatus              `json:"status"`
	Request     RunRequest             `json:"request"`
	Planned     int                    `json:"planned"`
	Processed   int                    `json:"processed"`
	Succeeded   int                    `json:"succeeded"`
	Reverted    int                    `json:"reverted"`
	Failed      int                    `json:"failed"`
	Skipped     int                    `json:"skipped"`
	Result      *models.PipelineResult `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Snapshot returns a consistent copy of the run.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RunSnapshot{
		ID:          r.ID,
		Kind:        r.Kind,
		Status:      r.Status,
		Request:     r.Request,
		Planned:     r.Planned,
		Processed:   r.Processed,
		Succeeded:   r.Succeeded,
		Reverted:    r.Reverted,
		Failed:      r.Failed,
		Skipped:     r.Skipped,
		Result:      r.Result,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// Changed returns a channel that is closed on the next update of the run.
func (r *Run) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

// Done is closed once the run is terminal.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run is terminal or ctx ends.
func (r *Run) Wait(ctx context.Context) (RunSnapshot, error) {
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

func (r *Run) update(fn func(*Run)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Run) record(o models.EntryOutcome) {
	r.update(func(r *Run) {
		r.Processed++
		switch o.Outcome {
		case models.OutcomeSucceeded:
			r.Succeeded++
		case models.OutcomeRetrying:
			r.Reverted++
		case models.OutcomeFailed:
			r.Failed++
		case models.OutcomeSkipped:
			r.Skipped++
		}
	})
}

func (r *Run) finish(res *models.PipelineResult, err error, now time.Time) {
	r.update(func(r *Run) {
		r.CompletedAt = &now
		r.Result = res
		if res != nil {
			// Sweeps report no per-entry callbacks; the result is authoritative.
			r.Planned = max(r.Planned, res.Total)
			r.Processed = res.Total
			r.Succeeded = res.Succeeded
			r.Reverted = res.Reverted
			r.Failed = res.Failed
			r.Skipped = res.Skipped
		}
		if err != nil {
			r.Status = RunStatusFailed
			r.Error = err.Error()
			return
		}
		r.Status = RunStatusCompleted
	})
	close(r.done)
}

// RunManager starts pipeline runs and tracks them in memory.
type RunManager struct {
	pipeline Pipeline
	logger   *slog.Logger
	now      func() time.Time
	retain   int
	metrics  *metrics.Collector

	mu     sync.RWMutex
	runs   map[string]*Run
	active map[string]string // stage -> run ID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RunManagerOption configures a RunManager.
type RunManagerOption func(*RunManager)

// WithRunClock overrides the clock used for run timestamps.
func WithRunClock(now func() time.Time) RunManagerOption {
	return func(m *RunManager) { m.now = now }
}

// WithRetainedRuns bounds how many finished runs are kept.
func WithRetainedRuns(n int) RunManagerOption {
	return func(m *RunManager) {
		if n > 0 {
			m.retain = n
		}
	}
}

// WithRunMetrics counts entry outcomes on c.
func WithRunMetrics(c *metrics.Collector) RunManagerOption {
	return func(m *RunManager) { m.metrics = c }
}

// NewRunManager creates a run manager driving p.
func NewRunManager(p Pipeline, logger *slog.Logger, opts ...RunManagerOption) *RunManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &RunManager{
		pipeline: p,
		logger:   logger,
		now:      time.Now,
		retain:   100,
		runs:     make(map[string]*Run),
		active:   make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches a run in the background and returns immediately.
func (m *RunManager) Start(kind RunKind, req RunRequest) (*Run, error) {
	if m.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}
	r, err := m.reserve(kind, req)
	if err != nil {
		return nil, err
	}
	go m.execute(m.ctx, r)
	return r, nil
}

// Execute runs synchronously and returns the finished run. The returned
// error is the pipeline error, if any; the run records it as well.
func (m *RunManager) Execute(ctx context.Context, kind RunKind, req RunRequest) (*Run, error) {
	r, err := m.reserve(kind, req)
	if err != nil {
		return nil, err
	}
	if err := m.execute(ctx, r); err != nil {
		return r, err
	}
	return r, nil
}

// Get returns a run by ID.
func (m *RunManager) Get(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, nil
}

// List returns snapshots of all known runs, newest first.
func (m *RunManager) List() []RunSnapshot {
	m.mu.RLock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()

	out := make([]RunSnapshot, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Snapshot())
	}
	slices.SortFunc(out, func(a, b RunSnapshot) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return out
}

// Active returns the IDs of running runs keyed by stage.
func (m *RunManager) Active() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.active))
	for k, v := range m.active {
		out[k] = v
	}
	return out
}

// Shutdown cancels background runs and waits for them to record their
// outcome or for ctx to end.
func (m *RunManager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *RunManager) reserve(kind RunKind, req RunRequest) (*Run, error) {
	stages := kind.stages()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range stages {
		if id, busy := m.active[st]; busy {
			return nil, fmt.Errorf("%w: %s run %s", ErrRunInProgress, st, id)
		}
	}
	r := &Run{
		ID:        uuid.New().String()[:8],
		Kind:      kind,
		Status:    RunStatusPending,
		Request:   req,
		StartedAt: m.now().UTC(),
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, st := range stages {
		m.active[st] = r.ID
	}
	m.runs[r.ID] = r
	m.prune()
	m.wg.Add(1)
	return r, nil
}

// prune drops the oldest finished runs beyond the retention limit.
// Caller must hold the write lock.
func (m *RunManager) prune() {
	if len(m.runs) <= m.retain {
		return
	}
	var finished []RunSnapshot
	for _, r := range m.runs {
		if s := r.Snapshot(); s.Status.Terminal() {
			finished = append(finished, s)
		}
	}
	slices.SortFunc(finished, func(a, b RunSnapshot) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	for _, s := range finished {
		if len(m.runs) <= m.retain {
			return
		}
		delete(m.runs, s.ID)
	}
}

func (m *RunManager) release(r *Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range r.Kind.stages() {
		if m.active[st] == r.ID {
			delete(m.active, st)
		}
	}
}

func (m *RunManager) execute(ctx context.Context, r *Run) error {
	defer m.wg.Done()

	r.update(func(r *Run) { r.Status = RunStatusRunning })
	m.logger.Info("run started", "run_id", r.ID, "kind", r.Kind)

	opts := pipeline.RunOptions{
		ContentTypes:  r.Request.ContentTypes,
		ForceRefresh:  r.Request.ForceRefresh,
		MaxConcurrent: r.Request.MaxConcurrent,
		Keys:          r.Request.Keys,
		OnPlanned: func(_ string, total int) {
			r.update(func(r *Run) { r.Planned += total })
		},
		OnOutcome: func(stage string, o models.EntryOutcome) {
			r.record(o)
			m.metrics.RecordOutcome(stage, o.Outcome)
		},
	}

	var (
		res *models.PipelineResult
		err error
	)
	switch r.Kind {
	case RunIngest:
		res, err = m.pipeline.Ingest(ctx, opts)
	case RunVectorize:
		res, err = m.pipeline.Vectorize(ctx, opts)
	case RunProcess:
		res, err = m.pipeline.Process(ctx, opts)
	case RunSweep:
		res, err = m.pipeline.Sweep(ctx)
	default:
		err = fmt.Errorf("unknown run kind %q", r.Kind)
	}
	if err == nil && res == nil {
		res = &models.PipelineResult{Stage: string(r.Kind)}
	}

	m.release(r)
	r.finish(res, err, m.now().UTC())

	if err != nil {
		m.logger.Error("run failed", "run_id", r.ID, "kind", r.Kind, "error", err)
		return err
	}
	m.logger.Info("run completed", "run_id", r.ID, "kind", r.Kind,
		"total", res.Total, "succeeded", res.Succeeded, "reverted", res.Reverted,
		"failed", res.Failed, "skipped", res.Skipped)
	return nil
}
