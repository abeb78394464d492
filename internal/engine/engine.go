package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/queue"
	"github.com/petrijr/conduit/pkg/api"
)

const (
	ingressActionName = "Ingress"

	defaultConsumers          = 4
	defaultRequeueThreshold   = 5 * time.Minute
	defaultRequeueInterval    = 30 * time.Second
	defaultAutoResumeInterval = 10 * time.Second
	defaultJoinInterval       = time.Second
)

// errEventIgnored marks an event for a cancelled flow. Dropping it is
// the correct outcome, not a failure.
var errEventIgnored = errors.New("event ignored: flow cancelled")

// Config assembles the collaborators and tuning knobs for a Service.
// Persistence and Queue are required; everything else has a default.
type Config struct {
	Persistence persistence.Persistence
	Queue       queue.ActionEventQueue

	Observer api.Observer
	Logger   *slog.Logger

	// Clock is overridable for tests.
	Clock func() time.Time

	// Consumers is the size of the result-consumer pool started by Start.
	Consumers int

	// MaxDepth bounds recursive split/join nesting.
	MaxDepth int

	// RequeueThreshold is how long a QUEUED action may sit unmodified
	// before the sweep re-dispatches it.
	RequeueThreshold time.Duration

	RequeueInterval    time.Duration
	AutoResumeInterval time.Duration
	JoinInterval       time.Duration

	// ResumePolicies are evaluated in order against every errored
	// action; the first match schedules an automatic resume.
	ResumePolicies []api.ResumePolicy
}

// Service is the orchestration engine. All DeltaFile mutations funnel
// through withConflictRetry, and every external side effect (queue
// dispatch, child insertion, join offers) happens only after the owning
// update is persisted.
type Service struct {
	deltaFiles persistence.DeltaFileStore
	joins      persistence.JoinStore
	queue      queue.ActionEventQueue
	registry   *flowRegistry
	sm         *stateMachine
	joiner     *joinCoordinator
	observer   api.Observer
	logger     *slog.Logger
	clock      func() time.Time
	policies   []api.ResumePolicy
	config     Config

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ api.Engine = (*Service)(nil)

// NewService builds an engine from the given configuration.
func NewService(cfg Config) (*Service, error) {
	if cfg.Persistence.DeltaFiles == nil {
		return nil, errors.New("engine: DeltaFile store is required")
	}
	if cfg.Persistence.Joins == nil {
		return nil, errors.New("engine: join store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: action event queue is required")
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = defaultConsumers
	}
	if cfg.RequeueThreshold <= 0 {
		cfg.RequeueThreshold = defaultRequeueThreshold
	}
	if cfg.RequeueInterval <= 0 {
		cfg.RequeueInterval = defaultRequeueInterval
	}
	if cfg.AutoResumeInterval <= 0 {
		cfg.AutoResumeInterval = defaultAutoResumeInterval
	}
	if cfg.JoinInterval <= 0 {
		cfg.JoinInterval = defaultJoinInterval
	}

	registry := newFlowRegistry()
	s := &Service{
		deltaFiles: cfg.Persistence.DeltaFiles,
		joins:      cfg.Persistence.Joins,
		queue:      cfg.Queue,
		registry:   registry,
		sm:         newStateMachine(registry, cfg.Clock, cfg.MaxDepth),
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		policies:   cfg.ResumePolicies,
		config:     cfg,
	}
	s.joiner = &joinCoordinator{svc: s}
	return s, nil
}

func (s *Service) RegisterFlow(def api.FlowDefinition) error {
	return s.registry.Register(def)
}

func (s *Service) Ingress(ctx context.Context, input api.IngressInput) (*api.DeltaFile, error) {
	def, ok := s.registry.FlowByName(input.DataSource)
	if !ok || def.Type != api.FlowTypeDataSource {
		return nil, fmt.Errorf("%w: data source %q", api.ErrFlowNotFound, input.DataSource)
	}

	now := s.clock()
	deltaFile := s.newSourceDeltaFile(input.Name, input.DataSource, input.Content, input.Metadata, 0, now)

	effects := &sideEffects{}
	s.sm.advance(deltaFile, effects)

	if err := s.deltaFiles.Insert(ctx, deltaFile); err != nil {
		return nil, err
	}
	s.observer.OnIngress(ctx, deltaFile)
	effects.becameTerminal = deltaFile.Terminal()

	if err := s.dispatch(ctx, effects); err != nil {
		return deltaFile, err
	}
	s.finish(ctx, deltaFile, effects)
	return deltaFile, nil
}

// newSourceDeltaFile creates a DeltaFile entering through a data-source
// flow, used by ingress, split children, and replay alike.
func (s *Service) newSourceDeltaFile(name, dataSource string, content []api.Content, metadata map[string]string, depth int, now time.Time) *api.DeltaFile {
	deltaFile := &api.DeltaFile{
		Did:           uuid.New(),
		SchemaVersion: api.CurrentSchemaVersion,
		Name:          name,
		DataSource:    dataSource,
		Stage:         api.StageInFlight,
		Created:       now,
		Modified:      now,
	}

	flow := deltaFile.AddFlow(dataSource, api.FlowTypeDataSource, api.FlowInput{
		Content:  content,
		Metadata: metadata,
	}, depth, now)

	action := flow.AddAction(ingressActionName, api.ActionTypeIngress, api.ActionStateComplete, now)
	action.Content = content
	flow.UpdateState()

	return deltaFile
}

func (s *Service) HandleActionEvent(ctx context.Context, event api.ActionEvent) error {
	deltaFile, effects, err := s.withConflictRetry(ctx, event.Did, func(df *api.DeltaFile, effects *sideEffects) error {
		return s.applyEvent(df, event, effects)
	})
	if err != nil {
		if errors.Is(err, errEventIgnored) {
			s.observer.OnEventDropped(ctx, &event, err)
			return nil
		}
		if errors.Is(err, api.ErrInvalidEvent) || errors.Is(err, api.ErrDeltaFileNotFound) {
			s.observer.OnEventDropped(ctx, &event, err)
		}
		return err
	}

	s.observer.OnEventApplied(ctx, deltaFile, &event)
	if err := s.dispatch(ctx, effects); err != nil {
		return err
	}
	s.finish(ctx, deltaFile, effects)
	return nil
}

// applyEvent validates the event against the current action state and
// applies it. Any mismatch leaves the DeltaFile untouched.
func (s *Service) applyEvent(deltaFile *api.DeltaFile, event api.ActionEvent, effects *sideEffects) error {
	wasTerminal := deltaFile.Terminal()

	flow := deltaFile.FlowByNumber(event.FlowNumber)
	if flow == nil {
		return fmt.Errorf("%w: no flow %d on deltafile %s", api.ErrInvalidEvent, event.FlowNumber, event.Did)
	}
	if deltaFile.Stage == api.StageCancelled || flow.State == api.FlowStateCancelled {
		return errEventIgnored
	}

	action := flow.ActionNamed(event.ActionName)
	if action == nil {
		return fmt.Errorf("%w: no action %q on flow %q", api.ErrInvalidEvent, event.ActionName, flow.Name)
	}
	if action.State != api.ActionStateQueued {
		return fmt.Errorf("%w: action %q is %s, not QUEUED", api.ErrInvalidEvent, event.ActionName, action.State)
	}
	if action.Attempt != event.Attempt {
		return fmt.Errorf("%w: action %q attempt mismatch: have %d, event %d", api.ErrInvalidEvent, event.ActionName, action.Attempt, event.Attempt)
	}

	now := s.clock()
	switch event.Kind {
	case api.EventKindComplete:
		if event.Complete == nil {
			return fmt.Errorf("%w: COMPLETE event without payload", api.ErrInvalidEvent)
		}
		c := event.Complete
		action.Complete(c.Content, c.Metadata, c.DeleteMetadataKeys, event.Start, event.Stop, now)
		flow.RemovePendingAction(action.Name)
		flow.UpdateState()
		if len(c.Annotations) > 0 {
			deltaFile.AddAnnotations(c.Annotations, true, now)
		}

	case api.EventKindError:
		if event.Error == nil {
			return fmt.Errorf("%w: ERROR event without payload", api.ErrInvalidEvent)
		}
		action.Error(event.Error.Cause, event.Error.Context, event.Start, event.Stop, now)
		s.scheduleAutoResume(deltaFile, action, now)
		flow.UpdateState()

	case api.EventKindFilter:
		if event.Filter == nil {
			return fmt.Errorf("%w: FILTER event without payload", api.ErrInvalidEvent)
		}
		action.Filter(event.Filter.Cause, event.Filter.Context, event.Start, event.Stop, now)
		deltaFile.Filtered = true
		flow.PendingActions = nil
		flow.UpdateState()

	case api.EventKindSplit, api.EventKindReinject:
		if len(event.Children) == 0 {
			return fmt.Errorf("%w: %s event requires at least one child", api.ErrInvalidEvent, event.Kind)
		}
		s.applySplit(deltaFile, flow, action, event, effects, now)

	default:
		return fmt.Errorf("%w: unknown kind %q", api.ErrInvalidEvent, event.Kind)
	}

	s.sm.advance(deltaFile, effects)
	effects.becameTerminal = !wasTerminal && deltaFile.Terminal()
	return nil
}

// applySplit terminates the splitting flow and creates one child
// DeltaFile per reported child, each re-entering through the parent's
// data source.
func (s *Service) applySplit(deltaFile *api.DeltaFile, flow *api.DeltaFileFlow, action *api.Action, event api.ActionEvent, effects *sideEffects, now time.Time) {
	depth := flow.Depth + 1
	if depth > s.sm.maxDepth {
		action.Error(api.MaxDepthCause,
			fmt.Sprintf("depth %d exceeds the maximum of %d", depth, s.sm.maxDepth),
			event.Start, event.Stop, now)
		flow.UpdateState()
		return
	}

	action.Split(event.Start, event.Stop, now)
	flow.PendingActions = nil
	// The children consume the output; the parent flow routes nothing.
	flow.Published = true
	flow.UpdateState()

	for _, childInput := range event.Children {
		child := s.newSourceDeltaFile(childInput.Name, deltaFile.DataSource, childInput.Content, childInput.Metadata, depth, now)
		child.ParentDids = []uuid.UUID{deltaFile.Did}
		s.sm.advance(child, effects)
		effects.children = append(effects.children, child)
		deltaFile.ChildDids = append(deltaFile.ChildDids, child.Did)
	}
	deltaFile.Modified = now
}

// scheduleAutoResume stamps the errored action with the first matching
// resume policy, if any.
func (s *Service) scheduleAutoResume(deltaFile *api.DeltaFile, action *api.Action, now time.Time) {
	for _, policy := range s.policies {
		if !policy.Matches(deltaFile.DataSource, action.ErrorCause, action.Attempt) {
			continue
		}
		at := now.Add(policy.Delay)
		action.NextAutoResume = &at
		action.NextAutoResumeReason = policy.Name
		return
	}
}

func (s *Service) Get(ctx context.Context, did uuid.UUID) (*api.DeltaFile, error) {
	deltaFile, err := s.deltaFiles.Get(ctx, did)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, api.ErrDeltaFileNotFound
	}
	return deltaFile, err
}

func (s *Service) List(ctx context.Context, opts api.ListOptions) ([]*api.DeltaFile, error) {
	return s.deltaFiles.List(ctx, persistence.Filter{
		DataSource: opts.DataSource,
		Stage:      opts.Stage,
	})
}

func (s *Service) Resume(ctx context.Context, did uuid.UUID, opts api.ResumeOptions) (*api.DeltaFile, error) {
	return s.resumeWhere(ctx, did, opts, nil)
}

// resumeWhere resumes every errored flow accepted by eligible (nil
// accepts all). The auto-resume sweep passes a predicate so manual
// errors stay put.
func (s *Service) resumeWhere(ctx context.Context, did uuid.UUID, opts api.ResumeOptions, eligible func(*api.DeltaFileFlow) bool) (*api.DeltaFile, error) {
	deltaFile, effects, err := s.withConflictRetry(ctx, did, func(df *api.DeltaFile, effects *sideEffects) error {
		if df.ContentDeleted != nil {
			return fmt.Errorf("%w: content was deleted (%s)", api.ErrNotResumable, df.ContentDeletedReason)
		}
		if df.Stage == api.StageCancelled {
			return fmt.Errorf("%w: deltafile is cancelled", api.ErrNotResumable)
		}

		now := s.clock()
		resumed := 0
		for _, flow := range df.Flows {
			if flow.State != api.FlowStateError {
				continue
			}
			if eligible != nil && !eligible(flow) {
				continue
			}
			if s.resumeFlow(df, flow, opts, effects, now) {
				resumed++
			}
		}
		if resumed == 0 {
			return fmt.Errorf("%w: no errored flow to resume", api.ErrNotResumable)
		}

		s.sm.advance(df, effects)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.dispatch(ctx, effects); err != nil {
		return deltaFile, err
	}
	s.finish(ctx, deltaFile, effects)
	return deltaFile, nil
}

// resumeFlow queues a fresh attempt of the flow's errored action. A
// synthetic publish error has no worker; its retry is completed in
// place so advance re-runs the routing.
func (s *Service) resumeFlow(deltaFile *api.DeltaFile, flow *api.DeltaFileFlow, opts api.ResumeOptions, effects *sideEffects, now time.Time) bool {
	action := flow.Resume(opts.ReplaceMetadata, opts.RemoveMetadataKeys, now)
	if action == nil {
		return false
	}

	if action.Name == publishActionName {
		action.Complete(flow.LastContent(), nil, nil, nil, nil, now)
		flow.UpdateState()
		return true
	}

	def, ok := s.registry.FlowByName(flow.Name)
	if !ok {
		action.Error("The flow is no longer installed", "", nil, nil, now)
		flow.UpdateState()
		return true
	}

	if action.Type == api.ActionTypeJoin {
		if def.Join == nil {
			action.Error(fmt.Sprintf("Flow %q no longer joins", flow.Name), "", nil, nil, now)
			flow.UpdateState()
			return true
		}
		// A failed join has no worker; the fresh attempt parks the flow
		// in a new group.
		action.Complete(api.CopyContents(flow.Input.Content), nil, nil, nil, nil, now)
		flow.State = api.FlowStateJoining
		effects.joins = append(effects.joins, joinRequest{
			def:         def,
			did:         deltaFile.Did,
			flowNumber:  flow.Number,
			joinKey:     joinKeyFor(def, flow.Input.Metadata),
			orderingKey: flow.Input.Metadata[def.Join.OrderingMetadataKey],
		})
		return true
	}
	actionDef, ok := def.ActionNamed(action.Name)
	if !ok {
		action.Error(fmt.Sprintf("Action %q is not configured on flow %q", action.Name, flow.Name), "", nil, nil, now)
		flow.UpdateState()
		return true
	}

	effects.inputs = append(effects.inputs, s.sm.buildActionInput(deltaFile, flow, action, actionDef))
	return true
}

func (s *Service) Acknowledge(ctx context.Context, did uuid.UUID, reason string) (*api.DeltaFile, error) {
	deltaFile, _, err := s.withConflictRetry(ctx, did, func(df *api.DeltaFile, effects *sideEffects) error {
		now := s.clock()
		acked := false
		for _, flow := range df.Flows {
			if flow.AcknowledgeError(reason, now) {
				acked = true
			}
		}
		if !acked {
			return fmt.Errorf("%w: no errored flow to acknowledge", api.ErrNotResumable)
		}
		df.Modified = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deltaFile, nil
}

func (s *Service) Cancel(ctx context.Context, did uuid.UUID) (*api.DeltaFile, error) {
	deltaFile, effects, err := s.withConflictRetry(ctx, did, func(df *api.DeltaFile, effects *sideEffects) error {
		wasTerminal := df.Terminal()
		df.Cancel(s.clock())
		effects.becameTerminal = !wasTerminal && df.Terminal()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.finish(ctx, deltaFile, effects)
	return deltaFile, nil
}

func (s *Service) Replay(ctx context.Context, did uuid.UUID, opts api.ResumeOptions) (*api.DeltaFile, error) {
	var child *api.DeltaFile
	_, effects, err := s.withConflictRetry(ctx, did, func(df *api.DeltaFile, effects *sideEffects) error {
		if df.Replayed != nil {
			return api.ErrAlreadyReplayed
		}
		if df.ContentDeleted != nil {
			return fmt.Errorf("%w: content was deleted (%s)", api.ErrContentDeleted, df.ContentDeletedReason)
		}
		if len(df.Flows) == 0 {
			return fmt.Errorf("%w: deltafile has no source flow", api.ErrNotResumable)
		}

		now := s.clock()
		source := df.Flows[0]
		metadata := make(map[string]string, len(source.Input.Metadata))
		for k, v := range source.Input.Metadata {
			metadata[k] = v
		}
		for k, v := range opts.ReplaceMetadata {
			metadata[k] = v
		}
		for _, k := range opts.RemoveMetadataKeys {
			delete(metadata, k)
		}

		child = s.newSourceDeltaFile(df.Name, df.DataSource, api.CopyContents(source.Input.Content), metadata, 0, now)
		child.ParentDids = []uuid.UUID{df.Did}
		s.sm.advance(child, effects)
		effects.children = append(effects.children, child)

		replayedAt := now
		df.Replayed = &replayedAt
		df.ReplayDid = &child.Did
		df.ChildDids = append(df.ChildDids, child.Did)
		df.Modified = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.dispatch(ctx, effects); err != nil {
		return child, err
	}
	return child, nil
}

func (s *Service) Annotate(ctx context.Context, did uuid.UUID, annotations map[string]string, allowOverwrites bool) error {
	deltaFile, effects, err := s.withConflictRetry(ctx, did, func(df *api.DeltaFile, effects *sideEffects) error {
		wasTerminal := df.Terminal()
		df.AddAnnotations(annotations, allowOverwrites, s.clock())
		effects.becameTerminal = !wasTerminal && df.Terminal()
		return nil
	})
	if err != nil {
		return err
	}
	s.finish(ctx, deltaFile, effects)
	return nil
}

// dispatch executes accumulated side effects: children are inserted
// before any of their inputs are enqueued, and join offers run last so
// a triggered join always sees its member persisted.
func (s *Service) dispatch(ctx context.Context, effects *sideEffects) error {
	for _, child := range effects.children {
		if err := s.deltaFiles.Insert(ctx, child); err != nil {
			return fmt.Errorf("insert child %s: %w", child.Did, err)
		}
		s.observer.OnIngress(ctx, child)
	}
	for _, input := range effects.inputs {
		if err := s.queue.Enqueue(ctx, input); err != nil {
			return fmt.Errorf("enqueue %s/%s: %w", input.Did, input.ActionName, err)
		}
		s.observer.OnActionDispatched(ctx, &input)
	}
	for _, request := range effects.joins {
		if err := s.joiner.offer(ctx, request); err != nil {
			return fmt.Errorf("join offer %s: %w", request.did, err)
		}
	}
	return nil
}

func (s *Service) finish(ctx context.Context, deltaFile *api.DeltaFile, effects *sideEffects) {
	if effects.becameTerminal {
		s.observer.OnDeltaFileTerminal(ctx, deltaFile)
	}
}

// Start launches the result-consumer pool and the periodic sweeps. The
// given context bounds everything Start spawns; Stop cancels it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("engine: already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.config.Consumers; i++ {
		s.wg.Add(1)
		go s.consume(ctx)
	}

	s.wg.Add(1)
	go s.runSweeps(ctx)
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// consume drains the result stream. A bad event never stops the loop.
func (s *Service) consume(ctx context.Context) {
	defer s.wg.Done()

	for {
		event, err := s.queue.TakeResult(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("take result failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := s.HandleActionEvent(ctx, *event); err != nil {
			if errors.Is(err, api.ErrInvalidEvent) || errors.Is(err, api.ErrDeltaFileNotFound) {
				// Already reported through the observer.
				continue
			}
			s.logger.Error("handle action event failed",
				slog.String("did", event.Did.String()),
				slog.String("action", event.ActionName),
				slog.Any("error", err))
		}
	}
}
