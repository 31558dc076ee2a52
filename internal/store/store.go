// Package store persists session records so a restarted process can
// reconcile in-flight sessions against the agent runtime.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vibedev/agentd/internal/runtime"
)

// ErrNotFound is returned when no record exists for a session id.
var ErrNotFound = errors.New("session record not found")

// SessionRecord is the durable view of a session. It carries enough of the
// creation inputs to rehydrate a session after a restart.
type SessionRecord struct {
	SessionID    string              `json:"session_id"`
	RemoteRunID  string              `json:"remote_run_id,omitempty"`
	Prompt       string              `json:"prompt"`
	SystemPrompt string              `json:"system_prompt,omitempty"`
	Model        runtime.ModelConfig `json:"model"`
	Status       string              `json:"status"`
	Error        string              `json:"error,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// SessionStore is the durable store boundary consumed by the session core.
type SessionStore interface {
	// Create inserts a new record. The record's status is its initial status.
	Create(ctx context.Context, rec *SessionRecord) error

	// UpdateRemoteRunID records the runtime-assigned run id. Set at most
	// once per session.
	UpdateRemoteRunID(ctx context.Context, sessionID, remoteRunID string) error

	// UpdateStatus sets the last known status and optional error cause.
	UpdateStatus(ctx context.Context, sessionID, status, errMsg string) error

	// ListActive returns all records whose last known status is
	// non-terminal.
	ListActive(ctx context.Context) ([]*SessionRecord, error)

	// Close releases the store's resources.
	Close()
}
