package api

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the result category a worker reports for one action run.
type EventKind string

const (
	EventKindComplete EventKind = "COMPLETE"
	EventKindError    EventKind = "ERROR"
	EventKindFilter   EventKind = "FILTER"
	EventKindSplit    EventKind = "SPLIT"
	EventKindReinject EventKind = "REINJECT"
)

// ActionInput is the wire message handed to a worker. It snapshots
// everything the worker needs so it never reads engine state directly.
type ActionInput struct {
	Did        uuid.UUID `json:"did"`
	FlowName   string    `json:"flowName"`
	FlowNumber int       `json:"flowNumber"`
	ActionName string    `json:"actionName"`
	ActionType ActionType `json:"actionType"`
	Attempt    int       `json:"attempt"`

	Content  []Content         `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	Parameters map[string]any `json:"parameters,omitempty"`

	// JoinedDids is set for join actions: the member DeltaFiles this
	// action aggregates, in membership order.
	JoinedDids []uuid.UUID `json:"joinedDids,omitempty"`

	QueuedAt time.Time `json:"queuedAt"`
}

// ActionEvent is the wire message a worker posts when an action run
// finishes. Events are idempotent on (Did, ActionName, Attempt).
type ActionEvent struct {
	Did        uuid.UUID `json:"did"`
	FlowName   string    `json:"flowName"`
	FlowNumber int       `json:"flowNumber"`
	ActionName string    `json:"actionName"`
	Attempt    int       `json:"attempt"`
	Kind       EventKind `json:"kind"`

	Start *time.Time `json:"start,omitempty"`
	Stop  *time.Time `json:"stop,omitempty"`

	Complete *CompleteEvent `json:"complete,omitempty"`
	Error    *ErrorEvent    `json:"error,omitempty"`
	Filter   *FilterEvent   `json:"filter,omitempty"`

	// Children carries the new source records for SPLIT and REINJECT
	// results.
	Children []ChildInput `json:"children,omitempty"`
}

// CompleteEvent is the payload of a successful run.
type CompleteEvent struct {
	Content            []Content         `json:"content,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	DeleteMetadataKeys []string          `json:"deleteMetadataKeys,omitempty"`
	Annotations        map[string]string `json:"annotations,omitempty"`
}

// ErrorEvent is the payload of a failed run.
type ErrorEvent struct {
	Cause   string `json:"cause"`
	Context string `json:"context,omitempty"`
}

// FilterEvent is the payload of a filtered run.
type FilterEvent struct {
	Cause   string `json:"cause"`
	Context string `json:"context,omitempty"`
}

// ChildInput describes one new source record produced by a split or
// reinject. Content references slices of the parent's blobs; no bytes
// are copied.
type ChildInput struct {
	Name     string            `json:"name"`
	Content  []Content         `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IngressInput is what the ingress collaborator hands the engine to
// create a DeltaFile.
type IngressInput struct {
	Name       string            `json:"name"`
	DataSource string            `json:"dataSource"`
	Content    []Content         `json:"content,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
