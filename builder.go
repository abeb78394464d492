package conduit

import (
	"fmt"

	"github.com/petrijr/conduit/pkg/api"
)

// FlowBuilder provides a fluent API for defining flows:
//
//	source := conduit.NewDataSource("file-ingress").
//	    Publish("raw-files")
//
//	transform := conduit.NewTransform("normalize").
//	    Subscribe("raw-files").
//	    Action("Normalize").
//	    Publish("normalized")
//
//	sink := conduit.NewDataSink("archive").
//	    Subscribe("normalized").
//	    Action("Archive")
//
//	for _, b := range []*conduit.FlowBuilder{source, transform, sink} {
//	    b.MustRegister(engine)
//	}
type FlowBuilder struct {
	def api.FlowDefinition
}

// NewDataSource creates a builder for a DATA_SOURCE flow.
func NewDataSource(name string) *FlowBuilder {
	return newBuilder(name, api.FlowTypeDataSource)
}

// NewTransform creates a builder for a TRANSFORM flow.
func NewTransform(name string) *FlowBuilder {
	return newBuilder(name, api.FlowTypeTransform)
}

// NewDataSink creates a builder for a DATA_SINK flow.
func NewDataSink(name string) *FlowBuilder {
	return newBuilder(name, api.FlowTypeDataSink)
}

func newBuilder(name string, flowType api.FlowType) *FlowBuilder {
	if name == "" {
		panic("conduit: flow name must not be empty")
	}
	return &FlowBuilder{
		def: api.FlowDefinition{
			Name: name,
			Type: flowType,
		},
	}
}

// Name returns the flow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Definition returns the underlying FlowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *FlowBuilder) Definition() FlowDefinition {
	return b.def
}

// Subscribe adds topics this flow consumes.
func (b *FlowBuilder) Subscribe(topics ...string) *FlowBuilder {
	b.def.Subscriptions = append(b.def.Subscriptions, topics...)
	return b
}

// Publish adds topics this flow's output is routed to.
func (b *FlowBuilder) Publish(topics ...string) *FlowBuilder {
	b.def.PublishTopics = append(b.def.PublishTopics, topics...)
	return b
}

// Action appends an action to the flow. The action type follows the
// flow type: EGRESS on sinks, TRANSFORM elsewhere.
func (b *FlowBuilder) Action(name string) *FlowBuilder {
	return b.ActionWithParameters(name, nil)
}

// ActionWithParameters appends an action with static parameters passed
// to its worker on every dispatch.
func (b *FlowBuilder) ActionWithParameters(name string, parameters map[string]any) *FlowBuilder {
	if name == "" {
		panic(fmt.Sprintf("conduit: flow %q has an action with no name", b.def.Name))
	}

	actionType := api.ActionTypeTransform
	if b.def.Type == api.FlowTypeDataSink {
		actionType = api.ActionTypeEgress
	}
	b.def.Actions = append(b.def.Actions, api.ActionDefinition{
		Name:       name,
		Type:       actionType,
		Parameters: parameters,
	})
	return b
}

// Join makes this flow aggregate sibling DeltaFiles before its first
// action runs. Only valid on transforms.
func (b *FlowBuilder) Join(policy JoinPolicy) *FlowBuilder {
	p := policy
	b.def.Join = &p
	return b
}

// ExpectAnnotations declares annotation keys a sink still needs before
// the DeltaFile is fully terminal.
func (b *FlowBuilder) ExpectAnnotations(keys ...string) *FlowBuilder {
	b.def.ExpectedAnnotations = append(b.def.ExpectedAnnotations, keys...)
	return b
}

// TestMode completes the flow synthetically instead of dispatching its
// actions.
func (b *FlowBuilder) TestMode() *FlowBuilder {
	b.def.TestMode = true
	return b
}

// Register validates the definition and registers it on the engine.
func (b *FlowBuilder) Register(eng Engine) error {
	return eng.RegisterFlow(b.def)
}

// MustRegister is like Register but panics on error.
// Useful in init paths where a bad definition is a programming error.
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(fmt.Sprintf("conduit: register flow %q: %v", b.def.Name, err))
	}
}
