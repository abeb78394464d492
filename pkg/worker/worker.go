package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/conduit/internal/queue"
	"github.com/petrijr/conduit/pkg/api"
)

// Handler processes one dispatched action. It receives a self-contained
// input snapshot and returns the outcome; it never reads or writes
// engine state. Panics are converted into ERROR results so a bad
// handler cannot take the worker down.
type Handler func(ctx context.Context, input api.ActionInput) Result

// Result is the outcome of one action run, converted by the worker into
// the event posted back to the engine. Construct one with Complete,
// Error, Filter, Split, or Reinject.
type Result struct {
	kind     api.EventKind
	complete *api.CompleteEvent
	err      *api.ErrorEvent
	filter   *api.FilterEvent
	children []api.ChildInput
}

// Complete reports a successful run producing the given content. Nil
// content passes the input content through unchanged.
func Complete(content []api.Content) Result {
	return Result{
		kind:     api.EventKindComplete,
		complete: &api.CompleteEvent{Content: content},
	}
}

// WithMetadata adds metadata changes to a COMPLETE result.
func (r Result) WithMetadata(metadata map[string]string, deleteKeys ...string) Result {
	if r.complete != nil {
		r.complete.Metadata = metadata
		r.complete.DeleteMetadataKeys = deleteKeys
	}
	return r
}

// WithAnnotations adds annotations to a COMPLETE result.
func (r Result) WithAnnotations(annotations map[string]string) Result {
	if r.complete != nil {
		r.complete.Annotations = annotations
	}
	return r
}

// Error reports a failed run.
func Error(cause, context string) Result {
	return Result{
		kind: api.EventKindError,
		err:  &api.ErrorEvent{Cause: cause, Context: context},
	}
}

// Filter reports that the payload should leave the pipeline without
// being an error.
func Filter(cause, context string) Result {
	return Result{
		kind:   api.EventKindFilter,
		filter: &api.FilterEvent{Cause: cause, Context: context},
	}
}

// Split partitions the payload into child records that re-enter through
// the parent's data source.
func Split(children ...api.ChildInput) Result {
	return Result{kind: api.EventKindSplit, children: children}
}

// Reinject injects derived records back into the pipeline as children.
func Reinject(children ...api.ChildInput) Result {
	return Result{kind: api.EventKindReinject, children: children}
}

// Config tunes a Worker beyond the defaults.
type Config struct {
	// Concurrency is the number of parallel handler goroutines Run
	// starts. Defaults to 1.
	Concurrency int

	Logger *slog.Logger

	// Clock is overridable for tests.
	Clock func() time.Time
}

// Worker pulls ActionInput for one action name from the queue, runs the
// handler, and posts the resulting event. Multiple workers for the same
// action name compete for work.
type Worker struct {
	queue       queue.ActionEventQueue
	actionName  string
	handler     Handler
	concurrency int
	logger      *slog.Logger
	clock       func() time.Time
}

// New creates a Worker with default settings.
func New(q queue.ActionEventQueue, actionName string, handler Handler) *Worker {
	return NewWithConfig(q, actionName, handler, Config{})
}

// NewWithConfig creates a Worker with the given configuration.
func NewWithConfig(q queue.ActionEventQueue, actionName string, handler Handler, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Worker{
		queue:       q,
		actionName:  actionName,
		handler:     handler,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
	}
}

// ProcessOne pulls a single input and posts its result.
// Returns (processed, error):
//   - processed == false: no input was obtained (context cancelled or
//     dequeue failed)
//   - processed == true: the handler ran; err reports a failure to post
//     the result, not a handler failure (those travel as ERROR events)
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	input, err := w.queue.Dequeue(ctx, w.actionName)
	if err != nil {
		return false, err
	}

	event := w.run(ctx, *input)
	if err := w.queue.PostResult(ctx, event); err != nil {
		return true, err
	}
	return true, nil
}

// Run processes inputs until the context is cancelled, using the
// configured number of parallel handlers. It always returns the
// context's error.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := w.ProcessOne(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					w.logger.Error("worker iteration failed",
						slog.String("action", w.actionName),
						slog.Any("error", err))
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) run(ctx context.Context, input api.ActionInput) api.ActionEvent {
	start := w.clock()
	result := w.safeHandle(ctx, input)
	stop := w.clock()

	return api.ActionEvent{
		Did:        input.Did,
		FlowName:   input.FlowName,
		FlowNumber: input.FlowNumber,
		ActionName: input.ActionName,
		Attempt:    input.Attempt,
		Kind:       result.kind,
		Start:      &start,
		Stop:       &stop,
		Complete:   result.complete,
		Error:      result.err,
		Filter:     result.filter,
		Children:   result.children,
	}
}

func (w *Worker) safeHandle(ctx context.Context, input api.ActionInput) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked",
				slog.String("action", input.ActionName),
				slog.String("did", input.Did.String()),
				slog.Any("panic", r))
			result = Error("Action handler panicked", fmt.Sprintf("%v", r))
		}
	}()
	return w.handler(ctx, input)
}
