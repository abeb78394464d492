package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/pkg/api"
)

// publishActionName is the synthetic action recorded when routing a
// finished flow fails, so the failure is resumable like any other
// errored action.
const publishActionName = "Publish"

// joinRequest asks the join coordinator to offer a DeltaFile's joining
// flow into a group. Processed only after the owning DeltaFile update
// is persisted.
type joinRequest struct {
	def         api.FlowDefinition
	did         uuid.UUID
	flowNumber  int
	joinKey     string
	orderingKey string
}

// stateMachine is the pure decision logic: given a DeltaFile whose
// actions just changed, it queues whatever runs next, creates
// subscriber flows by topic, and collects dispatches on the side-effect
// accumulator. It never touches the store or the queue.
type stateMachine struct {
	registry *flowRegistry
	clock    func() time.Time
	maxDepth int
}

func newStateMachine(registry *flowRegistry, clock func() time.Time, maxDepth int) *stateMachine {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	return &stateMachine{registry: registry, clock: clock, maxDepth: maxDepth}
}

const defaultMaxDepth = 32

// advance drives every flow of the DeltaFile as far as it can go
// without external input, then re-derives the aggregate stage.
func (m *stateMachine) advance(deltaFile *api.DeltaFile, effects *sideEffects) {
	now := m.clock()

	// Newly created subscriber flows are appended while iterating, so
	// index rather than range.
	for i := 0; i < len(deltaFile.Flows); i++ {
		m.advanceFlow(deltaFile, deltaFile.Flows[i], effects, now)
	}

	deltaFile.RecalculateBytes()
	deltaFile.UpdateStage(now)
}

func (m *stateMachine) advanceFlow(deltaFile *api.DeltaFile, flow *api.DeltaFileFlow, effects *sideEffects, now time.Time) {
	if flow.State == api.FlowStateJoining || flow.State == api.FlowStatePendingAnnotations {
		return
	}
	// A COMPLETE flow that has not published yet still owes its routing
	// pass; every other terminal state stays put.
	if flow.Terminal() && !flow.NeedsRouting() {
		return
	}
	if flow.QueuedAction() != nil {
		// At most one action per flow is in flight.
		return
	}

	if next := flow.NextPendingAction(); next != "" {
		m.queueNext(deltaFile, flow, next, effects, now)
		return
	}

	last := flow.LastAction()
	if last == nil || last.State != api.ActionStateComplete && last.State != api.ActionStateJoined {
		return
	}

	// Pending actions exhausted: the flow's output routes onward.
	switch flow.Type {
	case api.FlowTypeDataSink:
		m.completeSink(deltaFile, flow, now)
	default:
		m.publish(deltaFile, flow, effects, now)
	}
}

func (m *stateMachine) queueNext(deltaFile *api.DeltaFile, flow *api.DeltaFileFlow, actionName string, effects *sideEffects, now time.Time) {
	def, ok := m.registry.FlowByName(flow.Name)
	if !ok {
		m.errorFlow(flow, actionName, "The flow is no longer installed", "", now)
		return
	}
	actionDef, ok := def.ActionNamed(actionName)
	if !ok {
		m.errorFlow(flow, actionName, fmt.Sprintf("Action %q is not configured on flow %q", actionName, flow.Name), "", now)
		return
	}

	action := flow.QueueAction(actionDef.Name, actionDef.Type, now)
	effects.inputs = append(effects.inputs, m.buildActionInput(deltaFile, flow, action, actionDef))
}

func (m *stateMachine) buildActionInput(deltaFile *api.DeltaFile, flow *api.DeltaFileFlow, action *api.Action, def api.ActionDefinition) api.ActionInput {
	return api.ActionInput{
		Did:        deltaFile.Did,
		FlowName:   flow.Name,
		FlowNumber: flow.Number,
		ActionName: action.Name,
		ActionType: action.Type,
		Attempt:    action.Attempt,
		Content:    api.CopyContents(flow.LastContent()),
		Metadata:   flow.Metadata(),
		Parameters: def.Parameters,
		QueuedAt:   action.Queued,
	}
}

// completeSink finishes a data-sink flow, holding the DeltaFile open
// when the sink declared annotations it still expects.
func (m *stateMachine) completeSink(deltaFile *api.DeltaFile, flow *api.DeltaFileFlow, now time.Time) {
	deltaFile.Egressed = true
	flow.Published = true

	if def, ok := m.registry.FlowByName(flow.Name); ok {
		for _, key := range def.ExpectedAnnotations {
			if _, present := deltaFile.Annotations[key]; !present {
				flow.PendingAnnotations = append(flow.PendingAnnotations, key)
			}
		}
	}
	flow.UpdateState()
}

// publish resolves the flow's publish topics against subscriber flow
// definitions and creates the next flows. No match is an error, not a
// dead end: the flow is resumable once configuration changes.
func (m *stateMachine) publish(deltaFile *api.DeltaFile, flow *api.DeltaFileFlow, effects *sideEffects, now time.Time) {
	def, ok := m.registry.FlowByName(flow.Name)
	if !ok {
		m.errorFlow(flow, publishActionName, "The flow is no longer installed", "", now)
		return
	}

	flow.PublishTopics = def.PublishTopics

	type match struct {
		sub    api.FlowDefinition
		topics []string
	}
	matched := make(map[string]*match)
	var order []string
	for _, topic := range def.PublishTopics {
		for _, sub := range m.registry.SubscribersForTopic(topic) {
			if sub.Name == flow.Name {
				continue
			}
			entry, ok := matched[sub.Name]
			if !ok {
				entry = &match{sub: sub}
				matched[sub.Name] = entry
				order = append(order, sub.Name)
			}
			entry.topics = append(entry.topics, topic)
		}
	}

	if len(order) == 0 {
		m.errorFlow(flow, publishActionName, api.NoSubscribersCause,
			fmt.Sprintf("No subscribers for topics: %s", strings.Join(def.PublishTopics, ", ")), now)
		return
	}

	flow.Published = true
	flow.UpdateState()
	for _, name := range order {
		entry := matched[name]
		m.createSubscriberFlow(deltaFile, flow, entry.sub, entry.topics, effects, now)
	}
}

// createSubscriberFlow starts one downstream flow, snapshotting the
// upstream output as its immutable input.
func (m *stateMachine) createSubscriberFlow(deltaFile *api.DeltaFile, upstream *api.DeltaFileFlow, def api.FlowDefinition, topics []string, effects *sideEffects, now time.Time) {
	input := api.FlowInput{
		Content:     api.CopyContents(upstream.LastContent()),
		Metadata:    upstream.Metadata(),
		Topics:      topics,
		AncestorIDs: append(append([]int{}, upstream.Input.AncestorIDs...), upstream.Number),
	}

	flow := deltaFile.AddFlow(def.Name, def.Type, input, upstream.Depth, now)
	flow.PublishTopics = def.PublishTopics

	if def.TestMode {
		flow.TestMode = true
		flow.TestModeReason = fmt.Sprintf("Flow %q in test mode", def.Name)
		synthetic := flow.AddAction("SyntheticEgress", api.ActionTypeEgress, api.ActionStateComplete, now)
		synthetic.Content = input.Content
		// Synthetic completion consumes the output; nothing routes on.
		flow.Published = true
		flow.UpdateState()
		return
	}

	if def.Join != nil {
		flow.State = api.FlowStateJoining
		effects.joins = append(effects.joins, joinRequest{
			def:         def,
			did:         deltaFile.Did,
			flowNumber:  flow.Number,
			joinKey:     joinKeyFor(def, input.Metadata),
			orderingKey: input.Metadata[def.Join.OrderingMetadataKey],
		})
		return
	}

	flow.PendingActions = def.PendingActionNames()
	if next := flow.NextPendingAction(); next != "" {
		m.queueNext(deltaFile, flow, next, effects, now)
	} else {
		flow.UpdateState()
	}
}

// errorFlow records a synthetic errored action, making infrastructure
// failures resumable through the same path as worker errors.
func (m *stateMachine) errorFlow(flow *api.DeltaFileFlow, actionName, cause, context string, now time.Time) {
	action := flow.AddAction(actionName, api.ActionTypePublish, api.ActionStateError, now)
	action.ErrorCause = cause
	action.ErrorContext = context
	flow.UpdateState()
}

// joinKeyFor computes the group key for a joining flow: the configured
// metadata value, or a single default group per flow when unset.
func joinKeyFor(def api.FlowDefinition, metadata map[string]string) string {
	if def.Join == nil || def.Join.MetadataKey == "" {
		return "DEFAULT"
	}
	if value, ok := metadata[def.Join.MetadataKey]; ok {
		return value
	}
	return "DEFAULT"
}
