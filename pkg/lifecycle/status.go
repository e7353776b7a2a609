package lifecycle

import (
	"fmt"
	"strings"

	"github.com/fitrun/fitrun/pkg/store"
)

// Transition table: from -> allowed tos
var validTransitions = map[store.RunStatus][]store.RunStatus{
	store.StatusQueued:    {store.StatusRunning, store.StatusSucceeded, store.StatusFailed, store.StatusReplaced},
	store.StatusRunning:   {store.StatusSucceeded, store.StatusFailed, store.StatusReplaced},
	store.StatusSucceeded: {store.StatusReplaced},
	store.StatusFailed:    {},
	// A superseded run still records what the worker reports for it.
	store.StatusReplaced: {store.StatusRunning, store.StatusSucceeded, store.StatusFailed},
}

// ReplaceableStatuses are the statuses the supersession sweep may replace.
var ReplaceableStatuses = []store.RunStatus{
	store.StatusQueued,
	store.StatusRunning,
	store.StatusSucceeded,
}

// CanTransition checks if transitioning from one run status to another is valid.
func CanTransition(from, to store.RunStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	for _, s := range allowed {
		if s == to {
			return true
		}
	}

	return false
}

// Transition validates and returns an error if the transition is invalid.
func Transition(from, to store.RunStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminal returns true if the worker is done with a run in this status.
func IsTerminal(status store.RunStatus) bool {
	return status == store.StatusSucceeded || status == store.StatusFailed
}

// CanRecord reports whether a reported status may be stored over the
// current one. Replays of the current status are accepted.
func CanRecord(from, to store.RunStatus) bool {
	return from == to || CanTransition(from, to)
}

// NormalizeStatus maps a worker or callback status onto a run status.
func NormalizeStatus(raw string) (store.RunStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending":
		return store.StatusQueued, nil
	case "running", "processing":
		return store.StatusRunning, nil
	case "succeeded", "completed", "success":
		return store.StatusSucceeded, nil
	case "failed", "error":
		return store.StatusFailed, nil
	case "replaced":
		return store.StatusReplaced, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
}
