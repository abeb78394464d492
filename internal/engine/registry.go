package engine

import (
	"sync"

	"github.com/petrijr/conduit/pkg/api"
)

// flowRegistry is the in-memory FlowRegistry implementation. Flow
// definitions come from an external configuration collaborator and may
// be re-registered at any time; routing lookups always see the latest
// registration.
type flowRegistry struct {
	mu     sync.RWMutex
	byName map[string]api.FlowDefinition
}

func newFlowRegistry() *flowRegistry {
	return &flowRegistry{
		byName: make(map[string]api.FlowDefinition),
	}
}

var _ api.FlowRegistry = (*flowRegistry)(nil)

func (r *flowRegistry) Register(def api.FlowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[def.Name] = def
	return nil
}

func (r *flowRegistry) FlowByName(name string) (api.FlowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	return def, ok
}

func (r *flowRegistry) SubscribersForTopic(topic string) []api.FlowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var subscribers []api.FlowDefinition
	for _, def := range r.byName {
		for _, sub := range def.Subscriptions {
			if sub == topic {
				subscribers = append(subscribers, def)
				break
			}
		}
	}
	return subscribers
}
