// Package jobengine owns the persistent Job queue and the bounded worker
// pool that executes it (SPEC_FULL.md §4.1, §5).
package jobengine

import (
	"errors"
	"fmt"

	"github.com/thereferee/harvester/internal/model"
)

// Sentinel errors for Job state transition validation.
var (
	// ErrInvalidTransition indicates an invalid Job state transition.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrTerminalStateImmutable indicates an attempt to transition a Job out
	// of a terminal state.
	ErrTerminalStateImmutable = errors.New("terminal job state is immutable")
)

// ValidateJobTransition validates a Job state transition against the
// machine in SPEC_FULL.md §4.1: pending → running → (completed | failed |
// cancelled).
//
// Valid transitions:
//   - pending → {running, cancelled}
//   - running → {completed, failed, cancelled}
//   - terminal → same state (idempotent)
//
// Invalid transitions:
//   - any terminal state to a different state
//   - pending → {completed, failed} (must pass through running)
//   - running → pending (workers never step backwards)
func ValidateJobTransition(from, to model.JobStatus) error {
	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s -> %s", ErrTerminalStateImmutable, from, to)
		}

		return nil
	}

	switch from {
	case model.JobPending:
		if to == model.JobRunning || to == model.JobCancelled {
			return nil
		}

		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	case model.JobRunning:
		if to == model.JobCompleted || to == model.JobFailed || to == model.JobCancelled {
			return nil
		}

		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
}

// singlePendingKinds are the Job kinds with a "single pending|running per
// SeedPaper" idempotency invariant (§4.1).
var singlePendingKinds = map[model.JobKind]bool{
	model.JobKindExtractCitations:   true,
	model.JobKindFetchMoreEditions:  true,
	model.JobKindRetryFailedFetches: true,
}

// HasSinglePendingInvariant reports whether kind is subject to the
// single-pending-per-SeedPaper idempotency rule.
func HasSinglePendingInvariant(kind model.JobKind) bool {
	return singlePendingKinds[kind]
}
