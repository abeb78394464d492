// Package worker provides the out-of-process action worker harness.
//
// A worker binds a Handler to one action name. It pulls ActionInput
// snapshots from the shared queue, runs the handler, and posts the
// resulting ActionEvent back for the engine to apply. Workers hold no
// pipeline state of their own, so any number of them can compete on the
// same action name across processes.
//
// Delivery is at-least-once: a worker that dies mid-run simply never
// posts a result, and the engine's requeue sweep re-dispatches the
// action with the same attempt number. Handlers should therefore be
// idempotent with respect to their external side effects.
//
// Handlers report outcomes through Result constructors:
//
//   - Complete for a successful run, optionally with metadata and
//     annotation changes
//   - Error for a failure the engine may retry
//   - Filter to take the payload out of the pipeline without error
//   - Split and Reinject to emit child records
//
// Most applications construct workers via helpers in the conduit
// package, which wire the queue and logger together with defaults.
package worker
