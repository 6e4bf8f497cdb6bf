package domain

import "time"

// TransitionKind classifies the effect of applying one alert to its group.
// Params: constants returned by the lifecycle engine.
// Returns: routing input for matcher/dispatcher and lifecycle events.
type TransitionKind string

const (
	// TransitionNewFiring marks a new occurrence (new group or new firing instance).
	TransitionNewFiring TransitionKind = "NewFiring"
	// TransitionReFiring marks firing after the group was resolved.
	TransitionReFiring TransitionKind = "ReFiring"
	// TransitionResolved marks group resolution.
	TransitionResolved TransitionKind = "Resolved"
	// TransitionDuplicateNoOp marks an idempotent replay with no state change.
	TransitionDuplicateNoOp TransitionKind = "DuplicateNoOp"
	// TransitionAcknowledged is emitted on lifecycle events for the acknowledge action only.
	TransitionAcknowledged TransitionKind = "Acknowledged"
)

// Dispatchable reports whether transition should reach notification rules.
// Params: none.
// Returns: true for new/re-firing and resolved transitions.
func (k TransitionKind) Dispatchable() bool {
	switch k {
	case TransitionNewFiring, TransitionReFiring, TransitionResolved:
		return true
	default:
		return false
	}
}

// LifecycleEvent is published after a group mutation commits.
// Params: group identity, transition, status, commit time, and store revision (monotonic per fingerprint).
// Returns: payload for realtime-push and audit collaborators.
type LifecycleEvent struct {
	GroupID        string         `json:"group_id"`
	Fingerprint    string         `json:"fingerprint"`
	TransitionKind TransitionKind `json:"transition_kind"`
	CurrentStatus  Status         `json:"current_status"`
	Timestamp      time.Time      `json:"timestamp"`
	Revision       uint64         `json:"revision"`
}

// NewLifecycleEvent builds event payload from committed group.
// Params: group snapshot, transition kind, and commit time.
// Returns: lifecycle event.
func NewLifecycleEvent(group AlertGroup, kind TransitionKind, at time.Time) LifecycleEvent {
	return LifecycleEvent{
		GroupID:        group.ID,
		Fingerprint:    group.Fingerprint,
		TransitionKind: kind,
		CurrentStatus:  group.CurrentStatus,
		Timestamp:      at.UTC(),
	}
}
