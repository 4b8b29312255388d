package jobengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereferee/harvester/internal/model"
)

func TestValidateJobTransition_Valid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		from model.JobStatus
		to   model.JobStatus
	}{
		{"pending to running", model.JobPending, model.JobRunning},
		{"pending to cancelled", model.JobPending, model.JobCancelled},
		{"running to completed", model.JobRunning, model.JobCompleted},
		{"running to failed", model.JobRunning, model.JobFailed},
		{"running to cancelled", model.JobRunning, model.JobCancelled},
		{"completed idempotent", model.JobCompleted, model.JobCompleted},
		{"failed idempotent", model.JobFailed, model.JobFailed},
		{"cancelled idempotent", model.JobCancelled, model.JobCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, ValidateJobTransition(tt.from, tt.to))
		})
	}
}

func TestValidateJobTransition_Invalid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		from    model.JobStatus
		to      model.JobStatus
		wantErr error
	}{
		{"pending to completed skips running", model.JobPending, model.JobCompleted, ErrInvalidTransition},
		{"running to pending goes backwards", model.JobRunning, model.JobPending, ErrInvalidTransition},
		{"completed to failed", model.JobCompleted, model.JobFailed, ErrTerminalStateImmutable},
		{"cancelled to running", model.JobCancelled, model.JobRunning, ErrTerminalStateImmutable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobTransition(tt.from, tt.to)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHasSinglePendingInvariant(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.True(t, HasSinglePendingInvariant(model.JobKindExtractCitations))
	assert.True(t, HasSinglePendingInvariant(model.JobKindFetchMoreEditions))
	assert.True(t, HasSinglePendingInvariant(model.JobKindRetryFailedFetches))
	assert.False(t, HasSinglePendingInvariant(model.JobKindResolve))
}
