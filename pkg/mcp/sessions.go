package mcp

import "sync"

// SessionRegistry tracks which MCP sessions are watching which executions.
// Populated by the loom.watch tool.
type SessionRegistry struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{} // executionID -> set of sessionIDs
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watchers: make(map[string]map[string]struct{})}
}

// Watch subscribes a session to an execution's events.
func (r *SessionRegistry) Watch(sessionID, executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[executionID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[executionID] = set
	}
	set[sessionID] = struct{}{}
}

// WatchersOf returns the session IDs watching the given execution.
func (r *SessionRegistry) WatchersOf(executionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.watchers[executionID]
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Remove drops a session from every watch list. Called when a session
// disconnects or expires.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for executionID, set := range r.watchers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.watchers, executionID)
		}
	}
}
