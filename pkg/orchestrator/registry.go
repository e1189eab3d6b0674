package orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// SessionRegistry is the process-wide, concurrency-safe table of live calls
// (C12). It enforces Config.MaxConcurrentCalls at admission time and is the
// single source of truth callers use to look a Session up by ID or to walk
// every active call (for shutdown, metrics, or broadcast).
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	maxCalls int
}

// NewSessionRegistry creates an empty registry enforcing maxCalls concurrent
// admissions. maxCalls <= 0 means unlimited.
func NewSessionRegistry(maxCalls int) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		maxCalls: maxCalls,
	}
}

// Admit registers s under a newly generated call ID, rejecting the call with
// ErrAdmissionRejected if the registry is already at capacity.
func (r *SessionRegistry) Admit(s *Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxCalls > 0 && len(r.sessions) >= r.maxCalls {
		admissionsRejected.Inc()
		return "", ErrAdmissionRejected
	}

	id := uuid.NewString()
	r.sessions[id] = s
	activeSessions.Inc()
	return id, nil
}

// Remove drops a call from the registry. Safe to call even if id is unknown
// (e.g. double-remove during a racy hangup).
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		activeSessions.Dec()
	}
}

// Get looks up a live call by ID.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of currently admitted calls.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Each calls fn once per live session, under a read lock. fn must not call
// back into the registry.
func (r *SessionRegistry) Each(fn func(id string, s *Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, s := range r.sessions {
		fn(id, s)
	}
}
