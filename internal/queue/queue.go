package queue

import (
	"context"

	"github.com/petrijr/conduit/pkg/api"
)

// ActionEventQueue dispatches ActionInput to workers and collects their
// ActionEvent results.
//
// There is one logical queue per action name, so workers of the same
// action type compete for work while different action types never block
// each other. Delivery is at-least-once: a worker that crashes
// mid-processing simply never posts a result, and the requeue sweep
// re-dispatches the stale action. Within one action's queue, FIFO is
// best-effort only.
type ActionEventQueue interface {
	// Enqueue adds input to the queue named by input.ActionName. It
	// should respect ctx for cancellation.
	Enqueue(ctx context.Context, input api.ActionInput) error

	// Dequeue removes and returns the next input for the given action
	// name, blocking until one is available or the context is cancelled.
	Dequeue(ctx context.Context, actionName string) (*api.ActionInput, error)

	// PostResult adds an event to the shared result stream.
	PostResult(ctx context.Context, event api.ActionEvent) error

	// TakeResult removes and returns the next result, blocking until one
	// is available or the context is cancelled.
	TakeResult(ctx context.Context) (*api.ActionEvent, error)

	// Drop discards all queued-but-undispatched input for an action.
	// Used when a worker type is decommissioned. Returns the number of
	// inputs discarded.
	Drop(ctx context.Context, actionName string) (int, error)

	// Size returns the approximate number of inputs queued for an action.
	Size(ctx context.Context, actionName string) (int, error)
}
