package api

import (
	"fmt"
	"time"
)

// ActionDefinition names one action to run within a flow, with the
// static parameters passed to its worker on every dispatch.
type ActionDefinition struct {
	Name       string         `json:"name"`
	Type       ActionType     `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// JoinPolicy configures fan-in for a flow whose first action aggregates
// sibling DeltaFiles. Members are grouped by the value of MetadataKey
// (or a single default group when unset) and the group triggers at
// MaxNum members or when MaxAge elapses, whichever the atomic claim
// settles first.
type JoinPolicy struct {
	MaxAge time.Duration `json:"maxAge"`

	// MinNum is the smallest group the timeout sweep will aggregate.
	// A group that times out below MinNum errors its members instead.
	// Zero means any partial group joins.
	MinNum int `json:"minNum,omitempty"`
	MaxNum int `json:"maxNum"`

	// MetadataKey selects the metadata value used as the join key.
	MetadataKey string `json:"metadataKey,omitempty"`

	// OrderingMetadataKey, when set, orders members in the joined
	// DeltaFile by this metadata value instead of arrival order.
	OrderingMetadataKey string `json:"orderingMetadataKey,omitempty"`
}

// FlowDefinition is the configuration of one named flow. It is a tagged
// union over FlowType: sources publish, transforms subscribe and
// publish, sinks subscribe and may expect annotations.
type FlowDefinition struct {
	Name string   `json:"name"`
	Type FlowType `json:"type"`

	// Subscriptions are the topics this flow consumes. Unused by
	// DATA_SOURCE flows.
	Subscriptions []string `json:"subscriptions,omitempty"`

	// PublishTopics are the topics this flow's output is routed to.
	// Unused by DATA_SINK flows.
	PublishTopics []string `json:"publishTopics,omitempty"`

	// Actions run strictly in order; they seed a new flow's
	// pendingActions list.
	Actions []ActionDefinition `json:"actions,omitempty"`

	// Join, if set, makes this flow aggregate sibling DeltaFiles before
	// its first action runs. Only meaningful on TRANSFORM flows.
	Join *JoinPolicy `json:"join,omitempty"`

	// ExpectedAnnotations are keys a DATA_SINK flow declares it still
	// needs before the DeltaFile is fully terminal.
	ExpectedAnnotations []string `json:"expectedAnnotations,omitempty"`

	// TestMode completes the flow synthetically instead of dispatching
	// its actions.
	TestMode bool `json:"testMode,omitempty"`
}

// Validate checks the definition for the structural mistakes the engine
// cannot tolerate at dispatch time.
func (d FlowDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("flow name is required")
	}
	switch d.Type {
	case FlowTypeDataSource:
		if len(d.PublishTopics) == 0 {
			return fmt.Errorf("data source %q must publish at least one topic", d.Name)
		}
	case FlowTypeTransform:
		if len(d.Subscriptions) == 0 {
			return fmt.Errorf("transform %q must subscribe to at least one topic", d.Name)
		}
		if len(d.Actions) == 0 {
			return fmt.Errorf("transform %q must define at least one action", d.Name)
		}
		if len(d.PublishTopics) == 0 {
			return fmt.Errorf("transform %q must publish at least one topic", d.Name)
		}
	case FlowTypeDataSink:
		if len(d.Subscriptions) == 0 {
			return fmt.Errorf("data sink %q must subscribe to at least one topic", d.Name)
		}
		if len(d.Actions) == 0 {
			return fmt.Errorf("data sink %q must define at least one action", d.Name)
		}
	default:
		return fmt.Errorf("flow %q has unknown type %q", d.Name, d.Type)
	}
	if d.Join != nil {
		if d.Type != FlowTypeTransform {
			return fmt.Errorf("flow %q: join is only supported on transform flows", d.Name)
		}
		if d.Join.MaxNum < 1 {
			return fmt.Errorf("flow %q: join maxNum must be at least 1", d.Name)
		}
		if d.Join.MinNum < 0 || d.Join.MinNum > d.Join.MaxNum {
			return fmt.Errorf("flow %q: join minNum must be between 0 and maxNum", d.Name)
		}
		if d.Join.MaxAge <= 0 {
			return fmt.Errorf("flow %q: join maxAge must be positive", d.Name)
		}
	}
	return nil
}

// PendingActionNames returns the ordered action names this flow runs.
func (d FlowDefinition) PendingActionNames() []string {
	names := make([]string, len(d.Actions))
	for i, a := range d.Actions {
		names[i] = a.Name
	}
	return names
}

// ActionNamed returns the definition of the named action.
func (d FlowDefinition) ActionNamed(name string) (ActionDefinition, bool) {
	for _, a := range d.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return ActionDefinition{}, false
}

// FlowRegistry is the read-only flow-configuration collaborator. The
// engine never compiles or validates flow graphs beyond per-definition
// checks; routing is resolved topic by topic at runtime.
type FlowRegistry interface {
	// FlowByName returns the definition of the named flow.
	FlowByName(name string) (FlowDefinition, bool)

	// SubscribersForTopic returns every flow definition subscribed to
	// the given topic.
	SubscribersForTopic(topic string) []FlowDefinition
}
