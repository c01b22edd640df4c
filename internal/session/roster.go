package session

import "sync"

// Agent is a single operator identity (spec.md §3): an id, a phone
// number the telephony server can dial, and a busy flag.
type Agent struct {
	ID          string
	PhoneNumber string
	Busy        bool
}

// AgentRoster holds the inbound and outbound operator rosters, updated
// wholesale from each panel batch response (spec.md §3, §4.8) and
// round-robin-scanned by the flow engine's transfer_to_operator step.
// A single mutex guards both rosters; callers must never hold a session
// lock while calling into the roster (spec.md §9 "avoid nested locking
// between session and line").
type AgentRoster struct {
	mu sync.Mutex

	inbound        []*Agent
	outbound       []*Agent
	inboundCursor  int
	outboundCursor int
}

// NewAgentRoster builds an empty roster.
func NewAgentRoster() *AgentRoster {
	return &AgentRoster{}
}

// SetInboundAgents/SetOutboundAgents replace a roster wholesale, the way
// each panel batch response replaces the Dialer's view of who's on duty.
// Busy state is carried forward for any agent id still present so an
// in-flight transfer is never silently un-busied by a refresh racing it.
func (r *AgentRoster) SetInboundAgents(agents []Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = mergeRoster(r.inbound, agents)
}

func (r *AgentRoster) SetOutboundAgents(agents []Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound = mergeRoster(r.outbound, agents)
}

func mergeRoster(existing []*Agent, fresh []Agent) []*Agent {
	busyByID := make(map[string]bool, len(existing))
	for _, a := range existing {
		if a.Busy {
			busyByID[a.ID] = true
		}
	}
	out := make([]*Agent, 0, len(fresh))
	for _, a := range fresh {
		out = append(out, &Agent{ID: a.ID, PhoneNumber: a.PhoneNumber, Busy: busyByID[a.ID]})
	}
	return out
}

// NextAvailable scans the requested roster ("inbound" or anything else
// treated as "outbound") starting at its round-robin cursor for the
// first non-busy agent, marks it busy, and returns it.
func (r *AgentRoster) NextAvailable(agentType string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roster, cursor := r.rosterFor(agentType)
	if len(roster) == 0 {
		return Agent{}, false
	}

	for i := 0; i < len(roster); i++ {
		idx := (*cursor + i) % len(roster)
		if !roster[idx].Busy {
			roster[idx].Busy = true
			*cursor = (idx + 1) % len(roster)
			return *roster[idx], true
		}
	}
	return Agent{}, false
}

// Release clears an agent's busy flag, called unconditionally once a
// transfer_to_operator attempt concludes (spec.md §4.7: "In all paths
// the agent's busy flag is released").
func (r *AgentRoster) Release(agentType, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roster, _ := r.rosterFor(agentType)
	for _, a := range roster {
		if a.ID == agentID {
			a.Busy = false
			return
		}
	}
}

func (r *AgentRoster) rosterFor(agentType string) ([]*Agent, *int) {
	if agentType == "inbound" {
		return r.inbound, &r.inboundCursor
	}
	return r.outbound, &r.outboundCursor
}
