// Package conduit is an embeddable data-pipeline orchestration engine.
//
// Data enters through named data sources as DeltaFiles: append-only
// records tracking one payload's trip through a set of topic-routed
// flows. Each flow runs an ordered list of actions; actions execute in
// out-of-process workers that pull work from a queue and post results
// back, so the engine itself never runs user code.
//
// # Model
//
// A flow definition is one of three kinds:
//
//   - DATA_SOURCE: entry point, publishes ingress content to topics
//   - TRANSFORM: subscribes to topics, runs actions, publishes onward
//   - DATA_SINK: subscribes to topics and egresses the result
//
// Routing is data-driven: when a flow finishes, its publish topics are
// matched against the subscriptions of the registered definitions, and
// one new flow per matching definition is added to the DeltaFile. A
// transform with a join policy instead parks arriving DeltaFiles in a
// group and aggregates them into one joined DeltaFile when the group
// fills or times out.
//
// # Consistency
//
// Every DeltaFile mutation is a load, apply, and version-checked write.
// Concurrent writers conflict on the version and the loser reloads and
// reapplies, so events, resumes, sweeps, and joins can all race safely.
// Queue dispatches happen only after the owning write is persisted;
// delivery is at-least-once and events are idempotent on (did, action,
// attempt).
//
// # Recovery
//
// Errored actions are resumed by operators via Engine.Resume, or
// automatically by resume policies. Dispatched actions whose worker
// died are re-dispatched by the requeue sweep. Errors can also be
// acknowledged without retry, and whole DeltaFiles cancelled or
// replayed from their original ingress.
//
// # Usage
//
// Most applications start with NewInMemoryEngine or NewSQLiteEngine,
// register flows with the FlowBuilder helpers, and attach workers from
// the pkg/worker package. LocalRunner wires all of that together for
// single-process deployments. The mongo and redis submodules provide a
// document-store backend and a shared work queue for running engines
// and workers as separate processes.
package conduit
