package models

import (
	"errors"
	"fmt"
	"slices"
)

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusStaged           Status = "staged"
	StatusIngestPending    Status = "ingest-pending"
	StatusIngested         Status = "ingested"
	StatusVectorizePending Status = "vectorize-pending"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusStaged,
	StatusIngestPending,
	StatusIngested,
	StatusVectorizePending,
	StatusCompleted,
	StatusFailed,
}

// ErrInvalidTransition is returned when a status change is not in the lifecycle table.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the closed lifecycle table. Operator re-staging of settled
// entries is handled by CanRestage.
var transitions = map[Status][]Status{
	StatusStaged:           {StatusIngestPending},
	StatusIngestPending:    {StatusIngested, StatusFailed, StatusStaged, StatusCompleted},
	StatusIngested:         {StatusIngestPending, StatusVectorizePending},
	StatusVectorizePending: {StatusCompleted, StatusFailed, StatusIngested},
	StatusCompleted:        {StatusIngestPending},
	StatusFailed:           {StatusStaged},
}

// ParseStatus validates s against the known statuses.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if slices.Contains(Statuses, st) {
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// InFlight reports whether the status marks an entry claimed by a worker.
func (s Status) InFlight() bool {
	return s == StatusIngestPending || s == StatusVectorizePending
}

// Processed reports whether the status is eligible for staleness refresh.
func (s Status) Processed() bool {
	return s == StatusIngested || s == StatusCompleted
}

// CanTransition reports whether s -> to is a lifecycle edge. Reverts from an
// in-flight status back to the status held before the claim are edges too.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// CanRestage reports whether an operator may move the entry back to staged.
func (s Status) CanRestage() bool {
	return !s.InFlight()
}

// Transition validates from -> to and returns a wrapped ErrInvalidTransition otherwise.
func Transition(from, to Status) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
