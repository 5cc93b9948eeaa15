package agency

import (
	"sync"

	"github.com/featgo/agency/internal/agencyagent"
	"github.com/featgo/agency/internal/metrics"
)

// agentRegistry is the Agency's arena of live AgencyAgents, keyed by
// doc_id: an explicit handle table rather than a weakly-referenced map,
// since unregistering is always an explicit call (from AgencyAgent
// termination's Deps.Unregister hook), so there is nothing to reclaim
// lazily.
type agentRegistry struct {
	mu      sync.RWMutex
	agents  map[string]*agencyagent.AgencyAgent
	metrics *metrics.Collectors
}

func newAgentRegistry(mc *metrics.Collectors) *agentRegistry {
	return &agentRegistry{agents: make(map[string]*agencyagent.AgencyAgent), metrics: mc}
}

// register adds aa under its doc_id. Registering the same doc_id twice
// replaces the previous entry — this only happens across a restart, where
// the new instance has already fenced out the old one via instance_id.
func (r *agentRegistry) register(aa *agencyagent.AgencyAgent) {
	r.mu.Lock()
	r.agents[aa.DocID()] = aa
	n := len(r.agents)
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.AgentsRegistered.Set(float64(n))
	}
}

// unregister removes aa's entry, but only if it is still the registered
// occupant of that doc_id — an agent that already lost a race to a
// replacement (the case above) must not unregister its successor.
func (r *agentRegistry) unregister(aa *agencyagent.AgencyAgent) {
	r.mu.Lock()
	if cur, ok := r.agents[aa.DocID()]; ok && cur == aa {
		delete(r.agents, aa.DocID())
	}
	n := len(r.agents)
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.AgentsRegistered.Set(float64(n))
	}
}

func (r *agentRegistry) lookup(docID string) (*agencyagent.AgencyAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	aa, ok := r.agents[docID]
	return aa, ok
}

func (r *agentRegistry) all() []*agencyagent.AgencyAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*agencyagent.AgencyAgent, 0, len(r.agents))
	for _, aa := range r.agents {
		out = append(out, aa)
	}
	return out
}

func (r *agentRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
