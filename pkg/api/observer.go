package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay event processing.
type Observer interface {
	// OnIngress is called once when a DeltaFile is created, before its
	// first action is dispatched.
	OnIngress(ctx context.Context, deltaFile *DeltaFile)

	// OnActionDispatched is called for each ActionInput handed to the
	// queue, including scheduler redeliveries.
	OnActionDispatched(ctx context.Context, input *ActionInput)

	// OnEventApplied is called after an action event has been applied
	// and persisted.
	OnEventApplied(ctx context.Context, deltaFile *DeltaFile, event *ActionEvent)

	// OnEventDropped is called when an event is rejected as invalid or
	// duplicate. The consumer loop keeps running.
	OnEventDropped(ctx context.Context, event *ActionEvent, err error)

	// OnDeltaFileTerminal is called when a DeltaFile first reaches a
	// terminal stage.
	OnDeltaFileTerminal(ctx context.Context, deltaFile *DeltaFile)

	// OnJoinTriggered is called when a join group is claimed, whether by
	// reaching maxNum or by the timeout sweep (timedOut set).
	OnJoinTriggered(ctx context.Context, joinKey string, members int, timedOut bool)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnIngress(ctx context.Context, deltaFile *DeltaFile)          {}
func (NoopObserver) OnActionDispatched(ctx context.Context, input *ActionInput)   {}
func (NoopObserver) OnEventApplied(ctx context.Context, deltaFile *DeltaFile, event *ActionEvent) {
}
func (NoopObserver) OnEventDropped(ctx context.Context, event *ActionEvent, err error) {}
func (NoopObserver) OnDeltaFileTerminal(ctx context.Context, deltaFile *DeltaFile)     {}
func (NoopObserver) OnJoinTriggered(ctx context.Context, joinKey string, members int, timedOut bool) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnIngress(ctx context.Context, deltaFile *DeltaFile) {
	for _, o := range c.observers {
		o.OnIngress(ctx, deltaFile)
	}
}

func (c *CompositeObserver) OnActionDispatched(ctx context.Context, input *ActionInput) {
	for _, o := range c.observers {
		o.OnActionDispatched(ctx, input)
	}
}

func (c *CompositeObserver) OnEventApplied(ctx context.Context, deltaFile *DeltaFile, event *ActionEvent) {
	for _, o := range c.observers {
		o.OnEventApplied(ctx, deltaFile, event)
	}
}

func (c *CompositeObserver) OnEventDropped(ctx context.Context, event *ActionEvent, err error) {
	for _, o := range c.observers {
		o.OnEventDropped(ctx, event, err)
	}
}

func (c *CompositeObserver) OnDeltaFileTerminal(ctx context.Context, deltaFile *DeltaFile) {
	for _, o := range c.observers {
		o.OnDeltaFileTerminal(ctx, deltaFile)
	}
}

func (c *CompositeObserver) OnJoinTriggered(ctx context.Context, joinKey string, members int, timedOut bool) {
	for _, o := range c.observers {
		o.OnJoinTriggered(ctx, joinKey, members, timedOut)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs DeltaFile lifecycle
// events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnIngress(ctx context.Context, deltaFile *DeltaFile) {
	o.Logger.InfoContext(ctx, "deltafile_ingress",
		slog.String("did", deltaFile.Did.String()),
		slog.String("data_source", deltaFile.DataSource),
		slog.Int64("ingress_bytes", deltaFile.IngressBytes),
	)
}

func (o *LoggingObserver) OnActionDispatched(ctx context.Context, input *ActionInput) {
	o.Logger.DebugContext(ctx, "action_dispatched",
		slog.String("did", input.Did.String()),
		slog.String("flow", input.FlowName),
		slog.String("action", input.ActionName),
		slog.Int("attempt", input.Attempt),
	)
}

func (o *LoggingObserver) OnEventApplied(ctx context.Context, deltaFile *DeltaFile, event *ActionEvent) {
	o.Logger.DebugContext(ctx, "event_applied",
		slog.String("did", event.Did.String()),
		slog.String("action", event.ActionName),
		slog.String("kind", string(event.Kind)),
		slog.String("stage", string(deltaFile.Stage)),
	)
}

func (o *LoggingObserver) OnEventDropped(ctx context.Context, event *ActionEvent, err error) {
	o.Logger.WarnContext(ctx, "event_dropped",
		slog.String("did", event.Did.String()),
		slog.String("action", event.ActionName),
		slog.Int("attempt", event.Attempt),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnDeltaFileTerminal(ctx context.Context, deltaFile *DeltaFile) {
	level := slog.LevelInfo
	if deltaFile.Stage == StageError {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "deltafile_terminal",
		slog.String("did", deltaFile.Did.String()),
		slog.String("stage", string(deltaFile.Stage)),
		slog.Bool("egressed", deltaFile.Egressed),
		slog.Bool("filtered", deltaFile.Filtered),
	)
}

func (o *LoggingObserver) OnJoinTriggered(ctx context.Context, joinKey string, members int, timedOut bool) {
	o.Logger.InfoContext(ctx, "join_triggered",
		slog.String("join_key", joinKey),
		slog.Int("members", members),
		slog.Bool("timed_out", timedOut),
	)
}

// BasicMetrics collects simple counters for processed DeltaFiles and
// events. It implements Observer, and can be combined with
// LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	ingressed      atomic.Int64
	dispatched     atomic.Int64
	eventsApplied  atomic.Int64
	eventsDropped  atomic.Int64
	completed      atomic.Int64
	errored        atomic.Int64
	joinsTriggered atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	Ingressed      int64
	Dispatched     int64
	EventsApplied  int64
	EventsDropped  int64
	Completed      int64
	Errored        int64
	InFlight       int64
	JoinsTriggered int64
}

func (m *BasicMetrics) OnIngress(ctx context.Context, deltaFile *DeltaFile) {
	m.ingressed.Add(1)
}

func (m *BasicMetrics) OnActionDispatched(ctx context.Context, input *ActionInput) {
	m.dispatched.Add(1)
}

func (m *BasicMetrics) OnEventApplied(ctx context.Context, deltaFile *DeltaFile, event *ActionEvent) {
	m.eventsApplied.Add(1)
}

func (m *BasicMetrics) OnEventDropped(ctx context.Context, event *ActionEvent, err error) {
	m.eventsDropped.Add(1)
}

func (m *BasicMetrics) OnDeltaFileTerminal(ctx context.Context, deltaFile *DeltaFile) {
	switch deltaFile.Stage {
	case StageError:
		m.errored.Add(1)
	default:
		m.completed.Add(1)
	}
}

func (m *BasicMetrics) OnJoinTriggered(ctx context.Context, joinKey string, members int, timedOut bool) {
	m.joinsTriggered.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	ingressed := m.ingressed.Load()
	completed := m.completed.Load()
	errored := m.errored.Load()

	return BasicMetricsSnapshot{
		Ingressed:      ingressed,
		Dispatched:     m.dispatched.Load(),
		EventsApplied:  m.eventsApplied.Load(),
		EventsDropped:  m.eventsDropped.Load(),
		Completed:      completed,
		Errored:        errored,
		InFlight:       ingressed - completed - errored,
		JoinsTriggered: m.joinsTriggered.Load(),
	}
}
