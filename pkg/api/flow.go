package api

import (
	"time"

	"github.com/google/uuid"
)

// FlowType identifies what kind of stage a flow is. It is the
// discriminator for the flow-definition tagged union.
type FlowType string

const (
	FlowTypeDataSource FlowType = "DATA_SOURCE"
	FlowTypeTransform  FlowType = "TRANSFORM"
	FlowTypeDataSink   FlowType = "DATA_SINK"
)

// FlowState is the derived lifecycle state of a flow. It is recomputed
// from the actions after every transition, never set directly.
type FlowState string

const (
	FlowStateInFlight           FlowState = "IN_FLIGHT"
	FlowStateComplete           FlowState = "COMPLETE"
	FlowStateError              FlowState = "ERROR"
	FlowStateFiltered           FlowState = "FILTERED"
	FlowStateCancelled          FlowState = "CANCELLED"
	FlowStateJoining            FlowState = "JOINING"
	FlowStatePendingAnnotations FlowState = "PENDING_ANNOTATIONS"
)

// FlowInput captures what a flow received when it was created: content,
// cumulative metadata, and the topics that routed to it. It is immutable
// after creation so replay stays deterministic.
type FlowInput struct {
	Content  []Content         `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Topics   []string          `json:"topics,omitempty"`
	// AncestorIDs are flow numbers of upstream flows in the same
	// DeltaFile, oldest first.
	AncestorIDs []int `json:"ancestorIds,omitempty"`
}

// DeltaFileFlow is one stage's progress record within a DeltaFile,
// identified by (did, Number).
type DeltaFileFlow struct {
	Name   string    `json:"name"`
	Number int       `json:"number"`
	Type   FlowType  `json:"type"`
	State  FlowState `json:"state"`

	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`

	Input          FlowInput `json:"input"`
	Actions        []Action  `json:"actions"`
	PendingActions []string  `json:"pendingActions,omitempty"`
	PublishTopics  []string  `json:"publishTopics,omitempty"`

	// Depth counts join/split ancestors, bounding recursive reinjection.
	Depth int `json:"depth"`

	// Published records that the flow's finished output has been routed
	// to subscribers, egressed, or otherwise consumed. A COMPLETE flow
	// with Published false still owes a routing pass.
	Published bool `json:"published,omitempty"`

	PendingAnnotations []string `json:"pendingAnnotations,omitempty"`

	JoinID *uuid.UUID `json:"joinId,omitempty"`

	TestMode       bool   `json:"testMode,omitempty"`
	TestModeReason string `json:"testModeReason,omitempty"`

	ErrorAcknowledged       *time.Time `json:"errorAcknowledged,omitempty"`
	ErrorAcknowledgedReason string     `json:"errorAcknowledgedReason,omitempty"`
	ErrorOrFilterCause      string     `json:"errorOrFilterCause,omitempty"`
	NextAutoResume          *time.Time `json:"nextAutoResume,omitempty"`
}

// LastAction returns the most recently appended action, or nil.
func (f *DeltaFileFlow) LastAction() *Action {
	if len(f.Actions) == 0 {
		return nil
	}
	return &f.Actions[len(f.Actions)-1]
}

// ActionNamed returns the most recent non-retried action with the given
// name, or nil.
func (f *DeltaFileFlow) ActionNamed(name string) *Action {
	for i := len(f.Actions) - 1; i >= 0; i-- {
		if f.Actions[i].Name == name && f.Actions[i].State != ActionStateRetried {
			return &f.Actions[i]
		}
	}
	return nil
}

// Terminal reports whether the flow has reached a state that will not
// change without an explicit resume.
func (f *DeltaFileFlow) Terminal() bool {
	switch f.State {
	case FlowStateComplete, FlowStateError, FlowStateFiltered, FlowStateCancelled:
		return true
	default:
		return false
	}
}

// NeedsRouting reports a finished flow whose output has not been
// resolved to subscribers (or egressed) yet.
func (f *DeltaFileFlow) NeedsRouting() bool {
	return f.State == FlowStateComplete && !f.Published
}

// TerminalSuccess reports whether the flow finished cleanly with no
// outstanding annotations.
func (f *DeltaFileFlow) TerminalSuccess() bool {
	return f.State == FlowStateComplete
}

// Metadata returns the cumulative metadata for this flow: the input
// metadata overlaid with each action's additions and deletions, in
// action order.
func (f *DeltaFileFlow) Metadata() map[string]string {
	metadata := make(map[string]string, len(f.Input.Metadata))
	for k, v := range f.Input.Metadata {
		metadata[k] = v
	}
	for i := range f.Actions {
		a := &f.Actions[i]
		for k, v := range a.Metadata {
			metadata[k] = v
		}
		for _, k := range a.DeleteMetadataKeys {
			delete(metadata, k)
		}
		for k, v := range a.ReplacedMetadata {
			metadata[k] = v
		}
		for _, k := range a.RemovedMetadataKeys {
			delete(metadata, k)
		}
	}
	return metadata
}

// LastContent returns the content produced by the most recent complete
// action, falling back to the flow input.
func (f *DeltaFileFlow) LastContent() []Content {
	for i := len(f.Actions) - 1; i >= 0; i-- {
		if f.Actions[i].State == ActionStateComplete {
			return f.Actions[i].Content
		}
	}
	return f.Input.Content
}

// NextPendingAction returns the name at the front of the pending list,
// or "" when the list is exhausted.
func (f *DeltaFileFlow) NextPendingAction() string {
	if len(f.PendingActions) == 0 {
		return ""
	}
	return f.PendingActions[0]
}

// RemovePendingAction consumes the named action from the pending list.
func (f *DeltaFileFlow) RemovePendingAction(name string) {
	for i, pending := range f.PendingActions {
		if pending == name {
			f.PendingActions = append(f.PendingActions[:i:i], f.PendingActions[i+1:]...)
			return
		}
	}
}

// QueueAction appends a new queued action, continuing the attempt count
// of any prior action with the same name. Retired attempts count: the
// (did, action, attempt) idempotency key must never repeat within a
// flow.
func (f *DeltaFileFlow) QueueAction(name string, actionType ActionType, now time.Time) *Action {
	attempt := 1
	for i := len(f.Actions) - 1; i >= 0; i-- {
		if f.Actions[i].Name == name {
			attempt = f.Actions[i].Attempt + 1
			break
		}
	}
	f.Actions = append(f.Actions, Action{
		Name:     name,
		Number:   len(f.Actions),
		Type:     actionType,
		State:    ActionStateQueued,
		Attempt:  attempt,
		Created:  now,
		Queued:   now,
		Modified: now,
	})
	f.Modified = now
	f.UpdateState()
	return f.LastAction()
}

// AddAction appends an action in an explicit state without queueing it.
func (f *DeltaFileFlow) AddAction(name string, actionType ActionType, state ActionState, now time.Time) *Action {
	f.Actions = append(f.Actions, Action{
		Name:     name,
		Number:   len(f.Actions),
		Type:     actionType,
		State:    state,
		Attempt:  1,
		Created:  now,
		Queued:   now,
		Modified: now,
	})
	f.Modified = now
	return f.LastAction()
}

// UpdateState recomputes the flow state from its last action and the
// pending list. This is the only way flow state changes.
func (f *DeltaFileFlow) UpdateState() {
	last := f.LastAction()
	if last == nil {
		if f.JoinID != nil && f.State == FlowStateJoining {
			return
		}
		f.State = FlowStateComplete
		f.ErrorOrFilterCause = ""
		f.NextAutoResume = nil
		return
	}

	f.Modified = last.Modified

	switch last.State {
	case ActionStateError:
		f.State = FlowStateError
		f.ErrorOrFilterCause = last.ErrorCause
		f.NextAutoResume = last.NextAutoResume
		return
	case ActionStateFiltered:
		f.State = FlowStateFiltered
		f.ErrorOrFilterCause = last.FilteredCause
	case ActionStateCancelled:
		f.State = FlowStateCancelled
	case ActionStateComplete, ActionStateSplit, ActionStateJoined:
		if len(f.PendingActions) > 0 {
			f.State = FlowStateInFlight
		} else if f.HasPendingAnnotations() {
			f.State = FlowStatePendingAnnotations
		} else {
			f.State = FlowStateComplete
		}
	default:
		f.State = FlowStateInFlight
	}

	f.ErrorOrFilterCause = f.errorOrFilterCause()
	f.NextAutoResume = nil
}

func (f *DeltaFileFlow) errorOrFilterCause() string {
	if last := f.LastAction(); last != nil && last.State == ActionStateFiltered {
		return last.FilteredCause
	}
	return ""
}

// HasPendingAnnotations reports whether the flow still expects
// annotation keys before it is fully terminal.
func (f *DeltaFileFlow) HasPendingAnnotations() bool {
	return len(f.PendingAnnotations) > 0
}

// RemovePendingAnnotations drops any keys present in the given set.
func (f *DeltaFileFlow) RemovePendingAnnotations(keys map[string]string) {
	if len(f.PendingAnnotations) == 0 {
		return
	}
	remaining := f.PendingAnnotations[:0]
	for _, k := range f.PendingAnnotations {
		if _, ok := keys[k]; !ok {
			remaining = append(remaining, k)
		}
	}
	f.PendingAnnotations = remaining
}

// Cancel force-terminates an in-flight flow and its non-terminal
// actions. Terminal flows other than ERROR are left alone.
func (f *DeltaFileFlow) Cancel(now time.Time) bool {
	switch f.State {
	case FlowStateInFlight, FlowStateError, FlowStateJoining, FlowStatePendingAnnotations:
	default:
		return false
	}
	for i := range f.Actions {
		f.Actions[i].Cancel(now)
	}
	f.State = FlowStateCancelled
	f.PendingActions = nil
	f.NextAutoResume = nil
	f.Modified = now
	return true
}

// Resume retires the last errored action and queues a fresh attempt.
// Returns the new action, or nil when the flow has no resumable error.
func (f *DeltaFileFlow) Resume(replaceMetadata map[string]string, removeMetadataKeys []string, now time.Time) *Action {
	last := f.LastAction()
	if last == nil || last.State != ActionStateError {
		return nil
	}

	name, actionType := last.Name, last.Type
	last.Retire(replaceMetadata, removeMetadataKeys, now)

	f.ErrorAcknowledged = nil
	f.ErrorAcknowledgedReason = ""
	action := f.QueueAction(name, actionType, now)
	return action
}

// AcknowledgeError marks an errored flow as acknowledged by an operator
// without resuming it.
func (f *DeltaFileFlow) AcknowledgeError(reason string, now time.Time) bool {
	last := f.LastAction()
	if last == nil || last.State != ActionStateError {
		return false
	}
	f.ErrorAcknowledged = &now
	f.ErrorAcknowledgedReason = reason
	last.NextAutoResume = nil
	last.NextAutoResumeReason = ""
	f.NextAutoResume = nil
	f.Modified = now
	return true
}

// HasUnacknowledgedError reports an errored flow no operator has
// acknowledged yet.
func (f *DeltaFileFlow) HasUnacknowledgedError() bool {
	last := f.LastAction()
	return last != nil && last.State == ActionStateError && f.ErrorAcknowledged == nil
}

// QueuedAction returns the single in-flight action if one exists.
func (f *DeltaFileFlow) QueuedAction() *Action {
	for i := range f.Actions {
		if f.Actions[i].InFlight() {
			return &f.Actions[i]
		}
	}
	return nil
}
