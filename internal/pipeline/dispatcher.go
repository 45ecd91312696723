package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/models"
)

const (
	// DefaultMaxConcurrent bounds simultaneously running tasks.
	DefaultMaxConcurrent = 5

	bookkeepingTimeout = 30 * time.Second
	poolReleaseTimeout = 5 * time.Second
)

// Dispatcher claims entries and runs a stage task for each of them on a
// bounded worker pool. A failing entry never aborts the others.
type Dispatcher struct {
	ledger        *ledger.Ledger
	retry         RetryPolicy
	maxConcurrent int
	taskTimeout   time.Duration
	logger        *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.retry = p }
}

// WithMaxConcurrent sets the default concurrency bound.
func WithMaxConcurrent(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxConcurrent = n
		}
	}
}

// WithTaskTimeout bounds a single task attempt. Keep it below the
// dead-worker timeout so live workers are never swept.
func WithTaskTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.taskTimeout = timeout }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a dispatcher writing to l.
func NewDispatcher(l *ledger.Ledger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		ledger:        l,
		retry:         DefaultRetryPolicy(),
		maxConcurrent: DefaultMaxConcurrent,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RetryPolicy returns the policy in effect.
func (d *Dispatcher) RetryPolicy() RetryPolicy {
	return d.retry
}

// DispatchOptions tune a single dispatch.
type DispatchOptions struct {
	// MaxConcurrent overrides the dispatcher default when > 0.
	MaxConcurrent int
	// OnOutcome is called once per entry as soon as its outcome is final.
	OnOutcome func(models.EntryOutcome)
}

// Dispatch runs task for every entry under stage and reports per-entry
// outcomes. Duplicate keys in entries are dispatched once.
func (d *Dispatcher) Dispatch(ctx context.Context, stage Stage, task Task, entries []*models.ContentEntry, opts DispatchOptions) (*models.PipelineResult, error) {
	size := d.maxConcurrent
	if opts.MaxConcurrent > 0 {
		size = opts.MaxConcurrent
	}

	result := &models.PipelineResult{
		Stage:     stage.Name,
		Outcomes:  []models.EntryOutcome{},
		StartedAt: d.ledger.Now().UTC(),
	}

	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer func() {
		if err := pool.ReleaseTimeout(poolReleaseTimeout); err != nil {
			d.logger.Warn("worker pool release timed out", "stage", stage.Name, "error", err)
		}
	}()

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		seen = make(map[models.Key]bool, len(entries))
	)
	record := func(o models.EntryOutcome) {
		mu.Lock()
		result.Add(o)
		mu.Unlock()
		if opts.OnOutcome != nil {
			opts.OnOutcome(o)
		}
	}

	d.logger.Info("dispatching", "stage", stage.Name, "entries", len(entries), "max_concurrent", size)

	for _, entry := range entries {
		if seen[entry.Key()] {
			continue
		}
		seen[entry.Key()] = true

		if ctx.Err() != nil {
			record(skipped(entry, "run cancelled"))
			continue
		}

		wg.Add(1)
		selected := entry
		if err := pool.Submit(func() {
			defer wg.Done()
			record(d.process(ctx, stage, task, selected))
		}); err != nil {
			wg.Done()
			record(skipped(entry, fmt.Sprintf("submit: %v", err)))
		}
	}
	wg.Wait()

	slices.SortFunc(result.Outcomes, func(a, b models.EntryOutcome) int {
		return strings.Compare(string(a.ContentType)+"/"+a.Name, string(b.ContentType)+"/"+b.Name)
	})
	result.CompletedAt = d.ledger.Now().UTC()

	d.logger.Info("dispatch finished",
		"stage", stage.Name,
		"succeeded", result.Succeeded,
		"reverted", result.Reverted,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"duration", result.CompletedAt.Sub(result.StartedAt))
	return result, nil
}

func skipped(e *models.ContentEntry, reason string) models.EntryOutcome {
	return models.EntryOutcome{
		ContentType: e.ContentType,
		Name:        e.Name,
		Outcome:     models.OutcomeSkipped,
		Status:      e.Status,
		RetryCount:  e.RetryCount,
		Error:       reason,
	}
}

// process claims one entry and runs the task until it succeeds, fails
// terminally, or is left reverted for a later run.
func (d *Dispatcher) process(ctx context.Context, stage Stage, task Task, selected *models.ContentEntry) models.EntryOutcome {
	out := models.EntryOutcome{ContentType: selected.ContentType, Name: selected.Name}
	log := d.logger.With("stage", stage.Name, "content_type", selected.ContentType, "name", selected.Name)

	// Ledger writes after a task must land even when the run is cancelled,
	// otherwise the entry would be stranded in flight until swept.
	bookkeeping := context.WithoutCancel(ctx)

	current := selected
	for {
		if ctx.Err() != nil {
			return fillSkipped(out, current, "run cancelled")
		}

		claimed, err := Claim(ctx, d.ledger, stage, current)
		if err != nil {
			reason := err.Error()
			if out.Attempts > 0 && errors.Is(err, ledger.ErrAlreadyClaimed) {
				reason = "claimed elsewhere: " + reason
			}
			log.Info("entry not claimable", "reason", reason)
			return fillSkipped(out, current, reason)
		}
		out.Attempts++
		log.Info("claimed", "attempt", out.Attempts, "retry_count", claimed.RetryCount)

		res, taskErr := d.runTask(ctx, task, claimed)

		wctx, cancel := context.WithTimeout(bookkeeping, bookkeepingTimeout)
		if taskErr == nil {
			done, err := complete(wctx, d.ledger, stage, claimed, res)
			cancel()
			if err != nil {
				log.Warn("could not record success", "error", err)
				return fillSkipped(out, claimed, err.Error())
			}
			log.Info("task succeeded", "status", done.Status)
			out.Outcome = models.OutcomeSucceeded
			out.Status = done.Status
			out.RetryCount = done.RetryCount
			out.Error = ""
			return out
		}

		reverted, err := fail(wctx, d.ledger, d.retry, stage, claimed, taskErr.Error())
		cancel()
		if err != nil {
			log.Warn("could not record failure", "task_error", taskErr, "error", err)
			return fillSkipped(out, claimed, fmt.Sprintf("%v (record failure: %v)", taskErr, err))
		}

		out.Status = reverted.Status
		out.RetryCount = reverted.RetryCount
		out.Error = taskErr.Error()

		if reverted.Status == models.StatusFailed {
			log.Error("task failed terminally", "retry_count", reverted.RetryCount, "error", taskErr)
			out.Outcome = models.OutcomeFailed
			return out
		}

		log.Warn("task failed, entry reverted", "status", reverted.Status, "retry_count", reverted.RetryCount, "error", taskErr)
		out.Outcome = models.OutcomeRetrying
		if !d.retry.Requeue {
			return out
		}

		select {
		case <-ctx.Done():
			return out
		case <-time.After(d.retry.Delay(reverted.RetryCount)):
		}
		current = reverted
	}
}

func fillSkipped(out models.EntryOutcome, e *models.ContentEntry, reason string) models.EntryOutcome {
	if out.Attempts > 0 && out.Outcome == models.OutcomeRetrying {
		// A requeue that could not re-claim keeps the revert as its outcome.
		out.Error = out.Error + "; requeue: " + reason
		return out
	}
	s := skipped(e, reason)
	s.Attempts = out.Attempts
	return s
}

// runTask runs one attempt, converting panics into errors.
func (d *Dispatcher) runTask(ctx context.Context, task Task, entry *models.ContentEntry) (res *TaskResult, err error) {
	if d.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.taskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task.Run(ctx, entry.Clone())
}
