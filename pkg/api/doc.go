// Package api contains the core building blocks used by the conduit
// orchestration engine: the DeltaFile data model, the action wire
// messages, flow configuration, and observability hooks.
//
// Most users interact with the higher-level conduit package, which
// re-exports selected types and helpers from this package. The api
// package is intended for advanced use cases, custom integrations, or
// contributors extending the engine itself.
//
// # Concepts
//
// The api package centers around a small set of concepts:
//
//   - DeltaFiles, flows, and actions
//   - Content references
//   - Action wire messages
//   - Flow definitions and topics
//   - Observability
//
// # DeltaFiles, Flows, and Actions
//
// A DeltaFile is the aggregate root tracking one payload through the
// pipeline. It owns a set of DeltaFileFlow records, one per stage the
// payload has entered, and each flow owns an append-only sequence of
// Action attempts. Flow state and the DeltaFile stage are always
// derived from the actions, never set by callers; the engine recomputes
// them after every transition.
//
// # Content References
//
// Content is a list of Segment references into backing blob storage.
// The engine slices and concatenates segment references without ever
// copying or reading payload bytes; byte IO belongs to the action
// workers and the blob storage collaborator.
//
// # Action Wire Messages
//
// ActionInput is the snapshot handed to a worker; ActionEvent is the
// result it posts back. Events are idempotent on (did, action name,
// attempt), so at-least-once queue delivery never double-applies a
// result.
//
// # Flow Definitions and Topics
//
// A FlowDefinition is a tagged union over FlowType: data sources
// publish topics, transforms subscribe and publish, data sinks
// subscribe. Routing between flows is resolved at runtime by matching a
// finished flow's publish topics against registered subscriptions; the
// engine never compiles a flow graph.
//
// # Observability
//
// The Observer interface receives lifecycle callbacks. NoopObserver,
// LoggingObserver (log/slog), BasicMetrics, and CompositeObserver cover
// the common cases.
package api
