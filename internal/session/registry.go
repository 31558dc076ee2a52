package session

import (
	"sort"
	"sync"

	apperrors "github.com/vibedev/agentd/internal/common/errors"
)

// Registry is the process's view of live sessions. The map is guarded by
// its own lock; each session guards its mutable state with a per-session
// lock so operations on different sessions do not contend.
type Registry struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	maxConcurrent int
}

// NewRegistry creates a registry with the given admission ceiling.
func NewRegistry(maxConcurrent int) *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		maxConcurrent: maxConcurrent,
	}
}

// Insert admits a new session. Duplicate ids are rejected with a conflict
// error; admission fails with a capacity error when the count of pending or
// running sessions has reached the ceiling. The check and the insert are
// atomic, so concurrent creations cannot both slip under the ceiling.
func (r *Registry) Insert(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sess.ID]; exists {
		return apperrors.Conflict("session already exists: " + sess.ID)
	}
	if r.activeCountLocked() >= r.maxConcurrent {
		return apperrors.CapacityExceeded(r.maxConcurrent)
	}

	r.sessions[sess.ID] = sess
	return nil
}

// Rehydrate inserts a recovered session, bypassing the admission ceiling.
// Recovered sessions were admitted before the restart.
func (r *Registry) Rehydrate(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sess.ID]; exists {
		return apperrors.Conflict("session already exists: " + sess.ID)
	}
	r.sessions[sess.ID] = sess
	return nil
}

// Get returns the session for an id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove deletes a session from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns all sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns the number of sessions counting toward the admission
// ceiling.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeCountLocked()
}

func (r *Registry) activeCountLocked() int {
	count := 0
	for _, sess := range r.sessions {
		switch sess.Status() {
		case StatusPending, StatusRunning:
			count++
		}
	}
	return count
}

// Len returns the total number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
