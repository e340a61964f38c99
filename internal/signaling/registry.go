package signaling

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is the process-scoped set of live sessions, used for shutdown
// fan-out and diagnostics. Mutated only by session creation and teardown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*Session)}
}

// Register adds s to the live set.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Deregister removes s. Removing an absent session is a no-op.
func (r *Registry) Deregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEach calls fn for every live session, in no particular order. fn runs
// outside the registry lock, so it may deregister.
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

// CloseAll closes every live session. Used on process shutdown.
func (r *Registry) CloseAll() {
	r.ForEach(func(s *Session) { s.Close() })
}
