package batch

import (
	"fmt"

	"github.com/target/inferbatch/internal/domain/model"
)

var allowedTransitions = map[model.BatchJobStatus][]model.BatchJobStatus{
	model.BatchJobStatusValidating: {
		model.BatchJobStatusQueued,
		model.BatchJobStatusFailed,
		model.BatchJobStatusCancelled,
	},
	model.BatchJobStatusQueued: {
		model.BatchJobStatusInProgress,
		model.BatchJobStatusFailed,
		model.BatchJobStatusCancelled,
	},
	model.BatchJobStatusInProgress: {
		model.BatchJobStatusCompleted,
		model.BatchJobStatusFailed,
		model.BatchJobStatusCancelled,
	},
}

// CanTransition reports whether a job may move from one status to another
// during normal operation. Terminal statuses never change.
func CanTransition(from, to model.BatchJobStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanRequeue reports whether crash recovery may put a job back on the queue.
func CanRequeue(from model.BatchJobStatus) bool {
	return from == model.BatchJobStatusInProgress
}

// SourcesFor returns the statuses from which a job may reach the target status.
func SourcesFor(to model.BatchJobStatus) []model.BatchJobStatus {
	var out []model.BatchJobStatus
	for _, from := range []model.BatchJobStatus{
		model.BatchJobStatusValidating,
		model.BatchJobStatusQueued,
		model.BatchJobStatusInProgress,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// CheckTransition returns model.ErrInvalidTransition wrapped with context when the move is not allowed.
func CheckTransition(from, to model.BatchJobStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: job is %s", model.ErrJobTerminal, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}
	return nil
}
