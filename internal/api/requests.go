package api

import (
	"time"

	"github.com/vibedev/agentd/internal/runtime"
	"github.com/vibedev/agentd/internal/session"
)

// ModelConfigRequest is the model section of a session creation request.
type ModelConfigRequest struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	APIKey      string   `json:"api_key,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	SessionID    string             `json:"session_id"`
	Prompt       string             `json:"prompt"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
	Model        ModelConfigRequest `json:"model_config"`
}

func (r *CreateSessionRequest) toCreateRequest() session.CreateRequest {
	return session.CreateRequest{
		SessionID:    r.SessionID,
		Prompt:       r.Prompt,
		SystemPrompt: r.SystemPrompt,
		Model: runtime.ModelConfig{
			Provider:    r.Model.Provider,
			Model:       r.Model.Model,
			APIKey:      r.Model.APIKey,
			Temperature: r.Model.Temperature,
			MaxTokens:   r.Model.MaxTokens,
			Tools:       r.Model.Tools,
		},
	}
}

// CreateSessionResponse is the body of a successful POST /sessions.
type CreateSessionResponse struct {
	SessionID   string    `json:"session_id"`
	RemoteRunID string    `json:"remote_run_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionStatusResponse is the body of GET /sessions/:id/status.
type SessionStatusResponse struct {
	SessionID      string    `json:"session_id"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress"`
	CurrentTool    string    `json:"current_tool,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func statusResponse(snap session.Snapshot) SessionStatusResponse {
	return SessionStatusResponse{
		SessionID:      snap.SessionID,
		Status:         string(snap.Status),
		Progress:       snap.Progress,
		CurrentTool:    snap.CurrentTool,
		Error:          snap.Error,
		CreatedAt:      snap.CreatedAt,
		LastActivityAt: snap.LastActivityAt,
	}
}

// CancelSessionResponse is the body of DELETE /sessions/:id.
type CancelSessionResponse struct {
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// ListSessionsResponse is the body of GET /sessions.
type ListSessionsResponse struct {
	Sessions []SessionStatusResponse `json:"sessions"`
	Total    int                     `json:"total"`
}
