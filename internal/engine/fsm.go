package engine

import (
	"github.com/alexcelewicz/stepflow/pkg/schema"
)

// ValidRunTransitions is the run status lattice. Terminal states
// (completed, failed, cancelled) admit no transitions out.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning: {
		schema.RunStatusPaused,
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
		schema.RunStatusCancelled,
	},
	schema.RunStatusPaused: {
		schema.RunStatusRunning,
		schema.RunStatusCancelled,
	},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// guardTransition returns an INVALID_RUN_STATUS error when the
// requested transition is not in the lattice.
func guardTransition(runID string, from, to schema.RunStatus) error {
	if isValidRunTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidRunStatus,
		"invalid run transition: %s -> %s", from, to).
		WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
}
