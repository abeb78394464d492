package conduit

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/petrijr/conduit/internal/engine"
	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/queue"
	"github.com/petrijr/conduit/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine           = api.Engine
	DeltaFile        = api.DeltaFile
	DeltaFileFlow    = api.DeltaFileFlow
	Action           = api.Action
	Content          = api.Content
	Segment          = api.Segment
	Stage            = api.Stage
	FlowState        = api.FlowState
	ActionState      = api.ActionState
	ActionType       = api.ActionType
	FlowType         = api.FlowType
	FlowDefinition   = api.FlowDefinition
	ActionDefinition = api.ActionDefinition
	JoinPolicy       = api.JoinPolicy
	ResumePolicy     = api.ResumePolicy
	IngressInput     = api.IngressInput
	ActionInput      = api.ActionInput
	ActionEvent      = api.ActionEvent
	CompleteEvent    = api.CompleteEvent
	ErrorEvent       = api.ErrorEvent
	FilterEvent      = api.FilterEvent
	ChildInput       = api.ChildInput
	ListOptions      = api.ListOptions
	ResumeOptions    = api.ResumeOptions

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Storage and transport extension points. Alternative backends (Mongo,
// Redis) implement these; see the mongo and redis submodules.

type (
	DeltaFileStore = persistence.DeltaFileStore
	JoinStore      = persistence.JoinStore
	JoinGroup      = persistence.JoinGroup
	JoinMember     = persistence.JoinMember
	Persistence    = persistence.Persistence
	Queue          = queue.ActionEventQueue
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	NewContent       = api.NewContent
	ConcatContent    = api.ConcatContent
	TotalContentSize = api.TotalContentSize
)

// Re-export stage values for convenience.

const (
	StageInFlight  = api.StageInFlight
	StageComplete  = api.StageComplete
	StageError     = api.StageError
	StageCancelled = api.StageCancelled
)

// Re-export flow type values for convenience.

const (
	FlowTypeDataSource = api.FlowTypeDataSource
	FlowTypeTransform  = api.FlowTypeTransform
	FlowTypeDataSink   = api.FlowTypeDataSink
)

// Config assembles an Engine from explicit collaborators. Zero-value
// fields fall back to defaults; Persistence and Queue are required.
type Config struct {
	Persistence Persistence
	Queue       Queue

	Observer Observer
	Logger   *slog.Logger

	// Consumers sizes the result-consumer pool started by Start.
	Consumers int

	// MaxDepth bounds recursive split and join nesting.
	MaxDepth int

	// RequeueThreshold is how long a dispatched action may go without a
	// result before the sweep re-dispatches it.
	RequeueThreshold time.Duration

	RequeueInterval    time.Duration
	AutoResumeInterval time.Duration
	JoinInterval       time.Duration

	// ResumePolicies schedule automatic retries for matching errors.
	ResumePolicies []ResumePolicy
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewEngineWithConfig builds an Engine from the given configuration.
func NewEngineWithConfig(cfg Config) (Engine, error) {
	return engine.NewService(engine.Config{
		Persistence:        cfg.Persistence,
		Queue:              cfg.Queue,
		Observer:           cfg.Observer,
		Logger:             cfg.Logger,
		Consumers:          cfg.Consumers,
		MaxDepth:           cfg.MaxDepth,
		RequeueThreshold:   cfg.RequeueThreshold,
		RequeueInterval:    cfg.RequeueInterval,
		AutoResumeInterval: cfg.AutoResumeInterval,
		JoinInterval:       cfg.JoinInterval,
		ResumePolicies:     cfg.ResumePolicies,
	})
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory
// stores and an in-memory queue. Suitable for tests and embedded use.
func NewInMemoryEngine() Engine {
	return NewInMemoryEngineWithObserver(nil)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the
// given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	store := persistence.NewInMemoryStore()
	eng, err := NewEngineWithConfig(Config{
		Persistence: Persistence{DeltaFiles: store, Joins: store},
		Queue:       NewInMemoryQueue(0),
		Observer:    obs,
	})
	if err != nil {
		// Only reachable with nil collaborators, which we just built.
		panic(err)
	}
	return eng
}

// NewSQLiteEngine returns an Engine that persists DeltaFiles and join
// groups in a SQLite database, with an in-memory queue.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the
// given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: Persistence{DeltaFiles: store, Joins: store},
		Queue:       NewInMemoryQueue(0),
		Observer:    obs,
	})
}

// NewInMemoryQueue returns the in-process Queue implementation. A
// capacity of zero or less uses the default per-action buffer size.
func NewInMemoryQueue(capacity int) Queue {
	return queue.NewInMemoryQueue(capacity)
}

// NewInMemoryStore returns an in-memory store implementing both
// DeltaFileStore and JoinStore.
func NewInMemoryStore() *persistence.InMemoryStore {
	return persistence.NewInMemoryStore()
}

// NewSQLiteStore returns a SQLite store implementing both
// DeltaFileStore and JoinStore, creating the schema if needed.
func NewSQLiteStore(db *sql.DB) (*persistence.SQLiteStore, error) {
	return persistence.NewSQLiteStore(db)
}
