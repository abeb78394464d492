package api

import "errors"

var (
	// ErrDeltaFileNotFound is returned when a did does not resolve to a
	// stored DeltaFile.
	ErrDeltaFileNotFound = errors.New("deltafile not found")

	// ErrNotResumable is returned by Resume when the DeltaFile has no
	// errored action to resume or its content has been deleted.
	ErrNotResumable = errors.New("deltafile is not resumable")

	// ErrContentDeleted is returned when an operation needs content that
	// a retention collaborator already removed.
	ErrContentDeleted = errors.New("deltafile content has been deleted")

	// ErrInvalidEvent marks an action event that does not match the
	// expected flow, action, or attempt. Consumers log and drop these.
	ErrInvalidEvent = errors.New("action event does not match expected state")

	// ErrAlreadyReplayed is returned when a DeltaFile that has already
	// produced a replay child is replayed again.
	ErrAlreadyReplayed = errors.New("deltafile has already been replayed")

	// ErrFlowNotFound is returned when a named flow has no registered
	// definition.
	ErrFlowNotFound = errors.New("flow definition not found")
)

// NoSubscribersCause is recorded as the error cause on a flow whose
// publish topics matched no subscribers. It is a live-system condition:
// the flow becomes resumable once configuration changes.
const NoSubscribersCause = "No subscribers found"

// MaxDepthCause is recorded when a reinject would exceed the configured
// ancestry depth, guarding against runaway recursive splits.
const MaxDepthCause = "Maximum depth exceeded"

// JoinIncompleteCause is recorded on every member of a join group that
// timed out below its configured minimum. Resuming a member offers it
// into a fresh group.
const JoinIncompleteCause = "Join incomplete"
