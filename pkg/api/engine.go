package api

import (
	"context"

	"github.com/google/uuid"
)

// ListOptions controls how DeltaFiles are listed.
// Zero values mean "no filter" for that field.
type ListOptions struct {
	// DataSource, if non-empty, limits results to DeltaFiles created by
	// the given data source.
	DataSource string

	// Stage, if non-empty, limits results to DeltaFiles in the given stage.
	Stage Stage
}

// ResumeOptions carries the optional metadata overrides an operator may
// supply when resuming an errored DeltaFile.
type ResumeOptions struct {
	ReplaceMetadata    map[string]string
	RemoveMetadataKeys []string
}

// Engine is the high-level orchestration API: the state-machine entry
// points the ingress, worker, and administrative collaborators use. All
// methods return explicit results; no internal failure propagates as a
// panic across these boundaries.
type Engine interface {
	// RegisterFlow registers a flow definition by name. Definitions can
	// be re-registered to change routing; in-flight DeltaFiles pick up
	// the new routing at their next transition.
	RegisterFlow(def FlowDefinition) error

	// Ingress creates a new DeltaFile from the given input and
	// dispatches its first action(s).
	Ingress(ctx context.Context, input IngressInput) (*DeltaFile, error)

	// HandleActionEvent applies one worker result to its DeltaFile and
	// dispatches whatever work follows. Duplicate or mismatched events
	// are rejected with ErrInvalidEvent and leave state untouched.
	HandleActionEvent(ctx context.Context, event ActionEvent) error

	// Get looks up a DeltaFile by did.
	Get(ctx context.Context, did uuid.UUID) (*DeltaFile, error)

	// List returns DeltaFiles matching the given options.
	List(ctx context.Context, opts ListOptions) ([]*DeltaFile, error)

	// Resume retries the most recent errored action of each errored
	// flow, incrementing its attempt. Returns ErrNotResumable when no
	// error exists or content was deleted.
	Resume(ctx context.Context, did uuid.UUID, opts ResumeOptions) (*DeltaFile, error)

	// Acknowledge marks a DeltaFile's errors as acknowledged by an
	// operator without resuming them.
	Acknowledge(ctx context.Context, did uuid.UUID, reason string) (*DeltaFile, error)

	// Cancel force-terminates all in-flight work for the DeltaFile.
	// Idempotent; late events for cancelled flows are dropped.
	Cancel(ctx context.Context, did uuid.UUID) (*DeltaFile, error)

	// Replay creates a child DeltaFile that re-runs the original ingress
	// input from the beginning. A DeltaFile can be replayed only once.
	Replay(ctx context.Context, did uuid.UUID, opts ResumeOptions) (*DeltaFile, error)

	// Annotate merges annotations into the DeltaFile, releasing any flow
	// waiting in PENDING_ANNOTATIONS once its expected keys arrive.
	Annotate(ctx context.Context, did uuid.UUID, annotations map[string]string, allowOverwrites bool) error

	// Start launches the event-consumer pool and the periodic sweeps.
	Start(ctx context.Context) error

	// Stop shuts down consumers and sweeps, waiting for in-progress
	// event handling to finish.
	Stop()
}
