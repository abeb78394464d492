package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/pkg/api"
)

// joinCoordinator groups joining flows and triggers the aggregation
// exactly once per group. The store's atomic Claim is the only
// exactly-once mechanism: any number of concurrent appenders and the
// timeout sweep may race to trigger, and precisely one wins.
type joinCoordinator struct {
	svc *Service
}

// offer adds a persisted joining flow to its group, triggering the
// join when the group reaches maxNum.
func (c *joinCoordinator) offer(ctx context.Context, request joinRequest) error {
	now := c.svc.clock()
	member := persistence.JoinMember{
		Did:         request.did,
		FlowNumber:  request.flowNumber,
		OrderingKey: request.orderingKey,
		AddedAt:     now,
	}

	group, err := c.svc.joins.AppendMember(ctx, request.joinKey, request.def.Name, member,
		request.def.Join.MaxNum, now.Add(request.def.Join.MaxAge))
	if err != nil {
		return err
	}

	if len(group.Members) < group.MaxNum {
		return nil
	}
	claimed, err := c.svc.joins.Claim(ctx, group.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	return c.trigger(ctx, group, false)
}

// sweepExpired claims and triggers groups whose maxAge elapsed before
// maxNum was reached. A partial group joins whatever members it has.
func (c *joinCoordinator) sweepExpired(ctx context.Context) error {
	groups, err := c.svc.joins.Expired(ctx, c.svc.clock())
	if err != nil {
		return err
	}

	for _, group := range groups {
		claimed, err := c.svc.joins.Claim(ctx, group.ID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		if err := c.trigger(ctx, group, true); err != nil {
			return err
		}
	}
	return nil
}

// trigger builds the joined DeltaFile from the group's members, marks
// each member flow JOINED, and dispatches the join flow's first action.
// Runs only in the goroutine that won the claim.
func (c *joinCoordinator) trigger(ctx context.Context, group *persistence.JoinGroup, timedOut bool) error {
	def, ok := c.svc.registry.FlowByName(group.FlowName)
	if !ok || def.Join == nil {
		return fmt.Errorf("join group %s: flow %q is no longer installed", group.ID, group.FlowName)
	}

	members := orderMembers(group.Members)
	if timedOut && len(members) < def.Join.MinNum {
		return c.failIncomplete(ctx, group, def, members)
	}
	now := c.svc.clock()

	joined, firstInput, err := c.buildJoined(ctx, def, members, now)
	if err != nil {
		return err
	}

	if err := c.svc.deltaFiles.Insert(ctx, joined); err != nil {
		return fmt.Errorf("insert joined deltafile: %w", err)
	}

	for _, member := range members {
		if err := c.completeMember(ctx, member, group.ID, def, joined.Did); err != nil {
			return err
		}
	}

	if firstInput != nil {
		if err := c.svc.queue.Enqueue(ctx, *firstInput); err != nil {
			return fmt.Errorf("enqueue join action: %w", err)
		}
		c.svc.observer.OnActionDispatched(ctx, firstInput)
	}

	if err := c.svc.joins.Delete(ctx, group.ID); err != nil {
		return err
	}
	c.svc.observer.OnJoinTriggered(ctx, group.JoinKey, len(members), timedOut)
	return nil
}

// buildJoined assembles the aggregate DeltaFile: content is the
// concatenation of each member flow's input in membership order, and
// the join action receives the member dids.
func (c *joinCoordinator) buildJoined(ctx context.Context, def api.FlowDefinition, members []persistence.JoinMember, now time.Time) (*api.DeltaFile, *api.ActionInput, error) {
	var (
		content    []api.Content
		metadata   = make(map[string]string)
		parentDids = make([]uuid.UUID, 0, len(members))
		name       string
		dataSource string
		depth      int
	)

	for i, member := range members {
		parent, err := c.svc.deltaFiles.Get(ctx, member.Did)
		if err != nil {
			return nil, nil, fmt.Errorf("load join member %s: %w", member.Did, err)
		}
		flow := parent.FlowByNumber(member.FlowNumber)
		if flow == nil {
			return nil, nil, fmt.Errorf("join member %s: no flow %d", member.Did, member.FlowNumber)
		}

		if i == 0 {
			name = parent.Name
			dataSource = parent.DataSource
		}
		if flow.Depth > depth {
			depth = flow.Depth
		}
		content = append(content, api.CopyContents(flow.Input.Content)...)
		for k, v := range flow.Input.Metadata {
			metadata[k] = v
		}
		parentDids = append(parentDids, member.Did)
	}

	joined := &api.DeltaFile{
		Did:           uuid.New(),
		SchemaVersion: api.CurrentSchemaVersion,
		Name:          name,
		DataSource:    dataSource,
		Stage:         api.StageInFlight,
		ParentDids:    parentDids,
		Created:       now,
		Modified:      now,
	}

	flow := joined.AddFlow(def.Name, def.Type, api.FlowInput{
		Content:  content,
		Metadata: metadata,
	}, depth+1, now)
	flow.PublishTopics = def.PublishTopics
	flow.PendingActions = def.PendingActionNames()

	next := flow.NextPendingAction()
	actionDef, ok := def.ActionNamed(next)
	if !ok {
		return nil, nil, fmt.Errorf("join flow %q: action %q is not configured", def.Name, next)
	}
	action := flow.QueueAction(actionDef.Name, actionDef.Type, now)

	input := c.svc.sm.buildActionInput(joined, flow, action, actionDef)
	input.JoinedDids = parentDids

	joined.RecalculateBytes()
	joined.UpdateStage(now)
	return joined, &input, nil
}

// completeMember marks a member's joining flow as consumed by the
// aggregate. Members cancelled after joining the group are left alone.
func (c *joinCoordinator) completeMember(ctx context.Context, member persistence.JoinMember, groupID uuid.UUID, def api.FlowDefinition, childDid uuid.UUID) error {
	deltaFile, effects, err := c.svc.withConflictRetry(ctx, member.Did, func(df *api.DeltaFile, effects *sideEffects) error {
		flow := df.FlowByNumber(member.FlowNumber)
		if flow == nil || flow.State != api.FlowStateJoining {
			return nil
		}

		now := c.svc.clock()
		joinID := groupID
		flow.JoinID = &joinID

		flow.AddAction(def.Name, api.ActionTypeJoin, api.ActionStateJoined, now)
		flow.PendingActions = nil
		// The aggregate consumed this flow's output.
		flow.Published = true
		flow.UpdateState()

		if !df.HasChild(childDid) {
			df.ChildDids = append(df.ChildDids, childDid)
		}

		wasTerminal := df.Terminal()
		df.UpdateStage(now)
		effects.becameTerminal = !wasTerminal && df.Terminal()
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete join member %s: %w", member.Did, err)
	}

	if effects.becameTerminal {
		c.svc.observer.OnDeltaFileTerminal(ctx, deltaFile)
	}
	return nil
}

// failIncomplete errors every member of a group that timed out below
// its configured minimum. The members stay resumable: resuming offers
// the flow into a fresh group.
func (c *joinCoordinator) failIncomplete(ctx context.Context, group *persistence.JoinGroup, def api.FlowDefinition, members []persistence.JoinMember) error {
	for _, member := range members {
		deltaFile, effects, err := c.svc.withConflictRetry(ctx, member.Did, func(df *api.DeltaFile, effects *sideEffects) error {
			flow := df.FlowByNumber(member.FlowNumber)
			if flow == nil || flow.State != api.FlowStateJoining {
				return nil
			}

			now := c.svc.clock()
			action := flow.AddAction(def.Name, api.ActionTypeJoin, api.ActionStateError, now)
			action.ErrorCause = api.JoinIncompleteCause
			action.ErrorContext = fmt.Sprintf("timed out with %d of %d entries, minimum %d",
				len(members), def.Join.MaxNum, def.Join.MinNum)
			flow.PendingActions = nil
			flow.UpdateState()

			wasTerminal := df.Terminal()
			df.UpdateStage(now)
			effects.becameTerminal = !wasTerminal && df.Terminal()
			return nil
		})
		if err != nil {
			return fmt.Errorf("fail join member %s: %w", member.Did, err)
		}
		if effects.becameTerminal {
			c.svc.observer.OnDeltaFileTerminal(ctx, deltaFile)
		}
	}
	return c.svc.joins.Delete(ctx, group.ID)
}

// orderMembers sorts by ordering key when every member carries one,
// otherwise preserves arrival order.
func orderMembers(members []persistence.JoinMember) []persistence.JoinMember {
	ordered := make([]persistence.JoinMember, len(members))
	copy(ordered, members)

	for _, m := range ordered {
		if m.OrderingKey == "" {
			return ordered
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OrderingKey < ordered[j].OrderingKey
	})
	return ordered
}
