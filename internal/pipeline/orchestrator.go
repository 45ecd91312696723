package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/models"
)

// DefaultThresholdDays is the refresh threshold when none is configured.
const DefaultThresholdDays = 7

// Discoverer registers content that appeared outside the API, such as
// objects uploaded straight to the bucket. It returns how many entries it
// created.
type Discoverer interface {
	Discover(ctx context.Context, types []models.ContentType) (int, error)
}

// RunOptions are the knobs of a pipeline trigger.
type RunOptions struct {
	ContentTypes  []models.ContentType
	ForceRefresh  bool
	MaxConcurrent int
	// Keys restricts the run to these entries.
	Keys []models.Key
	// OnPlanned reports the number of candidates of a stage before dispatch.
	OnPlanned func(stage string, total int)
	// OnOutcome reports each entry outcome as it happens.
	OnOutcome func(stage string, o models.EntryOutcome)
}

// Orchestrator composes selection and dispatch into ingest and vectorize
// runs.
type Orchestrator struct {
	ledger        *ledger.Ledger
	evaluator     *Evaluator
	dispatcher    *Dispatcher
	sweeper       *Sweeper
	ingest        Task
	vectorize     Task
	discoverer    Discoverer
	thresholdDays int
	logger        *slog.Logger
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Ledger        *ledger.Ledger
	Dispatcher    *Dispatcher
	Sweeper       *Sweeper
	Ingest        Task
	Vectorize     Task
	Discoverer    Discoverer // optional
	ThresholdDays int
	Logger        *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ThresholdDays <= 0 {
		cfg.ThresholdDays = DefaultThresholdDays
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = NewDispatcher(cfg.Ledger, WithDispatcherLogger(cfg.Logger))
	}
	if cfg.Sweeper == nil {
		cfg.Sweeper = NewSweeper(cfg.Ledger, cfg.Dispatcher.RetryPolicy(), DefaultDeadWorkerTimeout, cfg.Logger)
	}
	return &Orchestrator{
		ledger:        cfg.Ledger,
		evaluator:     NewEvaluator(cfg.Ledger),
		dispatcher:    cfg.Dispatcher,
		sweeper:       cfg.Sweeper,
		ingest:        cfg.Ingest,
		vectorize:     cfg.Vectorize,
		discoverer:    cfg.Discoverer,
		thresholdDays: cfg.ThresholdDays,
		logger:        cfg.Logger,
	}
}

// Evaluator exposes the refresh policy.
func (o *Orchestrator) Evaluator() *Evaluator {
	return o.evaluator
}

// ThresholdDays is the configured refresh threshold.
func (o *Orchestrator) ThresholdDays() int {
	return o.thresholdDays
}

// Ingest registers direct uploads, selects refresh candidates and ingests them.
func (o *Orchestrator) Ingest(ctx context.Context, opts RunOptions) (*models.PipelineResult, error) {
	discovered := 0
	if o.discoverer != nil && len(opts.Keys) == 0 {
		n, err := o.discoverer.Discover(ctx, opts.ContentTypes)
		if err != nil {
			// Discovery is best effort; registered entries still run.
			o.logger.Warn("direct upload discovery failed", "error", err)
		}
		discovered = n
	}

	candidates, err := o.evaluator.SelectCandidates(ctx, SelectOptions{
		ThresholdDays: o.thresholdDays,
		ForceRefresh:  opts.ForceRefresh,
		ContentTypes:  opts.ContentTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("select ingest candidates: %w", err)
	}
	candidates = restrict(candidates, opts.Keys)

	result, err := o.dispatch(ctx, StageIngest, o.ingest, candidates, opts)
	if err != nil {
		return nil, err
	}
	result.Discovered = discovered
	return result, nil
}

// Vectorize embeds every ingested entry.
func (o *Orchestrator) Vectorize(ctx context.Context, opts RunOptions) (*models.PipelineResult, error) {
	candidates, err := o.evaluator.SelectForVectorization(ctx, opts.ContentTypes)
	if err != nil {
		return nil, fmt.Errorf("select vectorize candidates: %w", err)
	}
	candidates = restrict(candidates, opts.Keys)
	return o.dispatch(ctx, StageVectorize, o.vectorize, candidates, opts)
}

// Process runs ingest then vectorize and merges both results.
func (o *Orchestrator) Process(ctx context.Context, opts RunOptions) (*models.PipelineResult, error) {
	ingested, err := o.Ingest(ctx, opts)
	if err != nil {
		return nil, err
	}
	vectorized, err := o.Vectorize(ctx, opts)
	if err != nil {
		return nil, err
	}

	result := &models.PipelineResult{Stage: "process", Outcomes: []models.EntryOutcome{}}
	result.Merge(ingested)
	result.Merge(vectorized)
	return result, nil
}

// Sweep reclaims entries stranded in flight.
func (o *Orchestrator) Sweep(ctx context.Context) (*models.PipelineResult, error) {
	return o.sweeper.Sweep(ctx)
}

func (o *Orchestrator) dispatch(ctx context.Context, stage Stage, task Task, candidates []*models.ContentEntry, opts RunOptions) (*models.PipelineResult, error) {
	if task == nil {
		return nil, fmt.Errorf("no %s task configured", stage.Name)
	}
	if opts.OnPlanned != nil {
		opts.OnPlanned(stage.Name, len(candidates))
	}
	dopts := DispatchOptions{MaxConcurrent: opts.MaxConcurrent}
	if opts.OnOutcome != nil {
		dopts.OnOutcome = func(out models.EntryOutcome) { opts.OnOutcome(stage.Name, out) }
	}
	return o.dispatcher.Dispatch(ctx, stage, task, candidates, dopts)
}

func restrict(entries []*models.ContentEntry, keys []models.Key) []*models.ContentEntry {
	if len(keys) == 0 {
		return entries
	}
	return slices.DeleteFunc(entries, func(e *models.ContentEntry) bool {
		return !slices.Contains(keys, e.Key())
	})
}
