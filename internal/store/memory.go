package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps session records in memory. It is the default when no
// database host is configured, and backs tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*SessionRecord
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*SessionRecord),
	}
}

// Create inserts a new session record.
func (s *MemoryStore) Create(ctx context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	stored := *rec
	s.records[rec.SessionID] = &stored
	return nil
}

// UpdateRemoteRunID records the runtime-assigned run id.
func (s *MemoryStore) UpdateRemoteRunID(ctx context.Context, sessionID, remoteRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	rec.RemoteRunID = remoteRunID
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateStatus records the last known status and error cause.
func (s *MemoryStore) UpdateStatus(ctx context.Context, sessionID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Error = errMsg
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ListActive returns all records whose last known status is non-terminal.
func (s *MemoryStore) ListActive(ctx context.Context) ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*SessionRecord
	for _, rec := range s.records {
		if isTerminalStatus(rec.Status) {
			continue
		}
		copied := *rec
		records = append(records, &copied)
	}
	return records, nil
}

// Get returns a single record by session id. Used by tests to inspect
// recorded state.
func (s *MemoryStore) Get(sessionID string) (*SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return nil, false
	}
	copied := *rec
	return &copied, true
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}

func isTerminalStatus(status string) bool {
	for _, t := range terminalStatuses {
		if status == t {
			return true
		}
	}
	return false
}

var _ SessionStore = (*MemoryStore)(nil)
