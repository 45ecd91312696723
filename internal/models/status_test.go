package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusStaged, StatusIngestPending, true},
		{StatusStaged, StatusIngested, false},
		{StatusStaged, StatusVectorizePending, false},
		{StatusIngestPending, StatusIngested, true},
		{StatusIngestPending, StatusFailed, true},
		{StatusIngestPending, StatusStaged, true},
		{StatusIngestPending, StatusVectorizePending, false},
		{StatusIngested, StatusVectorizePending, true},
		{StatusIngested, StatusIngestPending, true},
		{StatusIngested, StatusCompleted, false},
		{StatusVectorizePending, StatusCompleted, true},
		{StatusVectorizePending, StatusIngested, true},
		{StatusVectorizePending, StatusFailed, true},
		{StatusCompleted, StatusIngestPending, true},
		{StatusCompleted, StatusVectorizePending, false},
		{StatusFailed, StatusStaged, true},
		{StatusFailed, StatusIngestPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
			err := Transition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestStatus_Predicates(t *testing.T) {
	for _, s := range Statuses {
		inFlight := s == StatusIngestPending || s == StatusVectorizePending
		assert.Equal(t, inFlight, s.InFlight(), s)
		assert.Equal(t, !inFlight, s.CanRestage(), s)
	}
	assert.True(t, StatusIngested.Processed())
	assert.True(t, StatusCompleted.Processed())
	assert.False(t, StatusStaged.Processed())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("vectorize-pending")
	require.NoError(t, err)
	assert.Equal(t, StatusVectorizePending, s)

	_, err = ParseStatus("processing")
	assert.Error(t, err)
}
