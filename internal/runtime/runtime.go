// Package runtime defines the client boundary to the external agent runtime
// that executes prompts on behalf of sessions.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrRunNotFound is returned when the runtime does not know the run id.
var ErrRunNotFound = errors.New("run not found")

// RunStatus is the runtime's view of a run.
type RunStatus string

const (
	RunStatusRunning      RunStatus = "running"
	RunStatusWaitingInput RunStatus = "waiting_input"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
	RunStatusCancelled    RunStatus = "cancelled"
)

// Terminal reports whether the run can make no further progress.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RunEvent is one envelope from the runtime's event feed. Properties is the
// raw payload; consumers decode it based on Type.
type RunEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// Event kinds emitted by the runtime feed. Unknown kinds may appear as the
// runtime evolves; consumers must tolerate them.
const (
	EventOutput     = "output"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventProgress   = "progress"
	EventStatus     = "status"
	EventComplete   = "complete"
	EventError      = "error"
)

// ModelConfig captures the model parameters for a run.
type ModelConfig struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	APIKey      string   `json:"api_key,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// PromptRequest is the input to SubmitPrompt.
type PromptRequest struct {
	Prompt       string      `json:"prompt"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	Model        ModelConfig `json:"model"`
}

// Client is the capability surface consumed from the external agent runtime.
type Client interface {
	// CreateRun requests a new run and returns its id.
	CreateRun(ctx context.Context) (string, error)

	// SubmitPrompt sends the prompt for a run and blocks until the run
	// reaches a terminal result or ctx is cancelled.
	SubmitPrompt(ctx context.Context, runID string, req PromptRequest) error

	// SubscribeEvents opens the run's event feed. The returned channel is
	// closed when the feed ends or ctx is cancelled. Each call opens a
	// fresh subscription.
	SubscribeEvents(ctx context.Context, runID string) (<-chan RunEvent, error)

	// GetRunStatus returns the runtime's current view of a run, or
	// ErrRunNotFound if the runtime does not know it.
	GetRunStatus(ctx context.Context, runID string) (RunStatus, error)

	// AbortRun requests the runtime stop a run. Best effort.
	AbortRun(ctx context.Context, runID string) error
}
