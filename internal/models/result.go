package models

import "time"

// Outcome is the per-entry result of a dispatch.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetrying  Outcome = "reverted" // failed, retries remain, entry re-selectable
	OutcomeFailed    Outcome = "failed"   // retries exhausted, entry terminally failed
	OutcomeSkipped   Outcome = "skipped"  // not claimable (claimed elsewhere, archived, removed)
)

// EntryOutcome reports what happened to one entry during a run.
type EntryOutcome struct {
	ContentType ContentType `json:"content_type"`
	Name        string      `json:"name"`
	Outcome     Outcome     `json:"outcome"`
	Status      Status      `json:"processing_status,omitempty"`
	Attempts    int         `json:"attempts"`
	RetryCount  int         `json:"retry_count"`
	Error       string      `json:"error,omitempty"`
}

// PipelineResult aggregates a dispatch over a batch of entries. A run is never
// all-or-nothing: each entry reports its own outcome.
type PipelineResult struct {
	Stage       string         `json:"stage"`
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Reverted    int            `json:"reverted"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	Discovered  int            `json:"discovered,omitempty"`
	Outcomes    []EntryOutcome `json:"outcomes"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Add records an outcome and bumps the matching counter.
func (r *PipelineResult) Add(o EntryOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	r.Total++
	switch o.Outcome {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeRetrying:
		r.Reverted++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
}

// Merge folds other into r, used when a run spans several stages.
func (r *PipelineResult) Merge(other *PipelineResult) {
	if other == nil {
		return
	}
	for _, o := range other.Outcomes {
		r.Add(o)
	}
	r.Discovered += other.Discovered
	if r.StartedAt.IsZero() || (!other.StartedAt.IsZero() && other.StartedAt.Before(r.StartedAt)) {
		r.StartedAt = other.StartedAt
	}
	if other.CompletedAt.After(r.CompletedAt) {
		r.CompletedAt = other.CompletedAt
	}
}

// FailedEntry is a terminally failed entry surfaced by the summary.
type FailedEntry struct {
	ContentType   ContentType `json:"content_type"`
	Name          string      `json:"name"`
	FailureReason string      `json:"failure_reason"`
	RetryCount    int         `json:"retry_count"`
}

// LedgerSummary is the aggregate view of the ledger.
type LedgerSummary struct {
	Total    int                 `json:"total"`
	ByStatus map[Status]int      `json:"by_status"`
	ByType   map[ContentType]int `json:"by_type"`
	Archived int                 `json:"archived"`
	InFlight int                 `json:"in_flight"`
	Failed   []FailedEntry       `json:"failed"`
	Stale    int                 `json:"stale"`
}
