package api

import (
	"time"
)

// ActionType categorizes what an action does within a flow.
type ActionType string

const (
	ActionTypeIngress   ActionType = "INGRESS"
	ActionTypeTransform ActionType = "TRANSFORM"
	ActionTypeEgress    ActionType = "EGRESS"
	ActionTypeJoin      ActionType = "JOIN"
	ActionTypePublish   ActionType = "PUBLISH"
)

// ActionState is the lifecycle state of a single action attempt.
type ActionState string

const (
	ActionStateQueued    ActionState = "QUEUED"
	ActionStateComplete  ActionState = "COMPLETE"
	ActionStateError     ActionState = "ERROR"
	ActionStateFiltered  ActionState = "FILTERED"
	ActionStateRetried   ActionState = "RETRIED"
	ActionStateSplit     ActionState = "SPLIT"
	ActionStateJoined    ActionState = "JOINED"
	ActionStateCancelled ActionState = "CANCELLED"
)

// Action records one unit of work inside a flow. Actions are append-only:
// a resumed action is superseded by a new Action with a higher attempt,
// and the old one is frozen in state RETRIED.
type Action struct {
	Name    string      `json:"name"`
	Number  int         `json:"number"`
	Type    ActionType  `json:"type"`
	State   ActionState `json:"state"`
	Attempt int         `json:"attempt"`

	Created  time.Time  `json:"created"`
	Queued   time.Time  `json:"queued"`
	Start    *time.Time `json:"start,omitempty"`
	Stop     *time.Time `json:"stop,omitempty"`
	Modified time.Time  `json:"modified"`

	// Populated on COMPLETE.
	Content            []Content         `json:"content,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	DeleteMetadataKeys []string          `json:"deleteMetadataKeys,omitempty"`

	// Populated on ERROR.
	ErrorCause           string     `json:"errorCause,omitempty"`
	ErrorContext         string     `json:"errorContext,omitempty"`
	NextAutoResume       *time.Time `json:"nextAutoResume,omitempty"`
	NextAutoResumeReason string     `json:"nextAutoResumeReason,omitempty"`

	// Populated on FILTERED.
	FilteredCause   string `json:"filteredCause,omitempty"`
	FilteredContext string `json:"filteredContext,omitempty"`

	// Metadata overrides supplied with a resume request, applied when the
	// new attempt runs.
	ReplacedMetadata    map[string]string `json:"replacedMetadata,omitempty"`
	RemovedMetadataKeys []string          `json:"removedMetadataKeys,omitempty"`
}

// Terminal reports whether the action can no longer change state.
func (a *Action) Terminal() bool {
	switch a.State {
	case ActionStateQueued:
		return false
	default:
		return true
	}
}

// InFlight reports whether the action is dispatched or awaiting dispatch.
func (a *Action) InFlight() bool {
	return a.State == ActionStateQueued
}

// Complete marks a successful run, recording produced content and
// metadata changes.
func (a *Action) Complete(content []Content, metadata map[string]string, deleteMetadataKeys []string, start, stop *time.Time, now time.Time) {
	a.setState(ActionStateComplete, start, stop, now)
	a.Content = content
	a.Metadata = metadata
	a.DeleteMetadataKeys = deleteMetadataKeys
	a.NextAutoResume = nil
	a.NextAutoResumeReason = ""
}

// Error marks a failed run.
func (a *Action) Error(cause, context string, start, stop *time.Time, now time.Time) {
	a.setState(ActionStateError, start, stop, now)
	a.ErrorCause = cause
	a.ErrorContext = context
}

// Filter marks the action as having filtered the payload out of the
// pipeline.
func (a *Action) Filter(cause, context string, start, stop *time.Time, now time.Time) {
	a.setState(ActionStateFiltered, start, stop, now)
	a.FilteredCause = cause
	a.FilteredContext = context
}

// Split marks the action as having partitioned the payload into child
// DeltaFiles. Terminal for the owning flow.
func (a *Action) Split(start, stop *time.Time, now time.Time) {
	a.setState(ActionStateSplit, start, stop, now)
}

// Cancel force-terminates a non-terminal action.
func (a *Action) Cancel(now time.Time) {
	if a.Terminal() {
		return
	}
	a.State = ActionStateCancelled
	a.Modified = now
	a.NextAutoResume = nil
	a.NextAutoResumeReason = ""
}

// Retire freezes an errored action so a new attempt can supersede it.
func (a *Action) Retire(replaceMetadata map[string]string, removeMetadataKeys []string, now time.Time) {
	a.State = ActionStateRetried
	a.Modified = now
	a.NextAutoResume = nil
	a.NextAutoResumeReason = ""
	a.ReplacedMetadata = replaceMetadata
	a.RemovedMetadataKeys = removeMetadataKeys
}

func (a *Action) setState(state ActionState, start, stop *time.Time, now time.Time) {
	a.State = state
	a.Start = start
	a.Stop = stop
	a.Modified = now
}
