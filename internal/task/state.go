// Package task tracks every dispatched unit of work through its lifecycle.
package task

import (
	"errors"
	"fmt"

	"github.com/retail-a2a/host/pkg/a2a"
)

// ErrInvalidTransition is wrapped by every rejected state change
var ErrInvalidTransition = errors.New("invalid task transition")

// ErrSettled is returned when content is added to a task that can no longer change
var ErrSettled = errors.New("task already settled")

// ErrArtifactAttached is returned for a chunk of an artifact that was already attached
var ErrArtifactAttached = errors.New("artifact already attached")

// Settled reports whether a task in state s accepts no further transitions.
// InputRequired is settled: a follow-up answer opens a continuation task.
func Settled(s a2a.TaskState) bool {
	return s.Terminal() || s == a2a.TaskStateInputRequired
}

// Successful reports whether the state produced a usable answer.
func Successful(s a2a.TaskState) bool {
	return s == a2a.TaskStateCompleted
}

func isAllowedTransition(from, to a2a.TaskState) bool {
	switch from {
	case a2a.TaskStateSubmitted:
		return to == a2a.TaskStateWorking || to == a2a.TaskStateFailed || to == a2a.TaskStateCanceled
	case a2a.TaskStateWorking:
		return to == a2a.TaskStateInputRequired || to == a2a.TaskStateCompleted ||
			to == a2a.TaskStateFailed || to == a2a.TaskStateCanceled
	default:
		return false
	}
}

func transitionError(id string, from, to a2a.TaskState) error {
	return fmt.Errorf("%w for %s: %s -> %s", ErrInvalidTransition, id, from, to)
}
