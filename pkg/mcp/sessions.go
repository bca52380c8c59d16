package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps agent IDs to the MCP session they last called from.
type SessionRegistry struct {
	mu      sync.RWMutex
	byAgent map[string]string
	agents  map[string]map[string]struct{} // sessionID -> agent IDs
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byAgent: make(map[string]string),
		agents:  make(map[string]map[string]struct{}),
	}
}

// Register binds agentID to sessionID, replacing an older session (reconnect).
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byAgent[agentID]; ok && old != sessionID {
		r.unlink(old, agentID)
	}
	r.byAgent[agentID] = sessionID
	set := r.agents[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		r.agents[sessionID] = set
	}
	set[agentID] = struct{}{}
}

// SessionFor returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byAgent[agentID]
	return sid, ok
}

// Remove forgets every agent bound to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for agentID := range r.agents[sessionID] {
		delete(r.byAgent, agentID)
	}
	delete(r.agents, sessionID)
}

// Agents lists the connected agent IDs in order.
func (r *SessionRegistry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byAgent))
	for id := range r.byAgent {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *SessionRegistry) unlink(sessionID, agentID string) {
	set := r.agents[sessionID]
	delete(set, agentID)
	if len(set) == 0 {
		delete(r.agents, sessionID)
	}
}
