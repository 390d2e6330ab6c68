package engine

import (
	"github.com/rendis/stepflow/pkg/schema"
)

// ValidRunTransitions defines the allowed run lifecycle transitions.
// Terminal states admit nothing. Cancellation is legal only from running
// or waiting; a queued run is mid-Start and becomes running before control
// returns to any caller.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusQueued:    {schema.RunStatusRunning},
	schema.RunStatusRunning:   {schema.RunStatusWaiting, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCanceled},
	schema.RunStatusWaiting:   {schema.RunStatusRunning, schema.RunStatusCanceled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCanceled:  {},
}

// CanTransition reports whether from -> to is a legal run transition.
func CanTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// guardTransition returns a structured error for an illegal transition.
// Attempts to leave a terminal state report RUN_TERMINATED so callers can
// distinguish "too late" from "wrong order".
func guardTransition(runID string, from, to schema.RunStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	if from.Terminal() {
		return schema.NewErrorf(schema.ErrCodeRunTerminated,
			"run %q is %s; no further transitions", runID, from).
			WithDetails(map[string]any{"run_id": runID, "status": string(from)})
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid run transition: %s -> %s", from, to).
		WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
}
