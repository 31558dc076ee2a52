package session

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/vibedev/agentd/internal/common/logger"
	"github.com/vibedev/agentd/internal/runtime"
)

// EventType identifies a stream event kind.
type EventType string

const (
	EventStatus     EventType = "status"
	EventOutput     EventType = "output"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventProgress   EventType = "progress"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
	EventHeartbeat  EventType = "heartbeat"
)

// Event is one entry in a session's stream. ID is the per-run sequence
// number; it is zero for events with no replay significance (status on
// attach, heartbeats).
type Event struct {
	ID      uint64    `json:"id,omitempty"`
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// StatusPayload reflects the session state at the time of emission.
type StatusPayload struct {
	SessionID   string `json:"session_id"`
	Status      Status `json:"status"`
	Progress    int    `json:"progress"`
	CurrentTool string `json:"current_tool,omitempty"`
	Error       string `json:"error,omitempty"`
}

// OutputPayload carries a chunk of agent output.
type OutputPayload struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// ToolCallPayload announces a tool invocation.
type ToolCallPayload struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResultPayload carries a tool's result.
type ToolResultPayload struct {
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ProgressPayload reports best-effort completion percent.
type ProgressPayload struct {
	Percent int `json:"percent"`
}

// CompletePayload is the single success-terminal event.
type CompletePayload struct {
	FinalMessage  string   `json:"final_message,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
}

// ErrorPayload is the failure-terminal event.
type ErrorPayload struct {
	Error string `json:"error"`
	Fatal bool   `json:"fatal"`
}

// HeartbeatPayload is empty; heartbeats only keep the transport alive.
type HeartbeatPayload struct{}

// runtimeStatusPayload is the shape of the runtime's status events.
type runtimeStatusPayload struct {
	Status string `json:"status"`
}

// mapRuntimeEvent translates one runtime feed envelope into a stream event.
// Unknown kinds are logged and dropped so new runtime event types never
// break the stream.
func mapRuntimeEvent(ev runtime.RunEvent, log *logger.Logger) (EventType, any, bool) {
	decode := func(v any) bool {
		if len(ev.Properties) == 0 {
			return true
		}
		if err := json.Unmarshal(ev.Properties, v); err != nil {
			log.Warn("Failed to decode runtime event payload",
				zap.String("event_type", ev.Type),
				zap.Error(err))
			return false
		}
		return true
	}

	switch ev.Type {
	case runtime.EventOutput:
		var p OutputPayload
		if !decode(&p) {
			return "", nil, false
		}
		return EventOutput, p, true
	case runtime.EventToolCall:
		var p ToolCallPayload
		if !decode(&p) {
			return "", nil, false
		}
		return EventToolCall, p, true
	case runtime.EventToolResult:
		var p ToolResultPayload
		if !decode(&p) {
			return "", nil, false
		}
		return EventToolResult, p, true
	case runtime.EventProgress:
		var p ProgressPayload
		if !decode(&p) {
			return "", nil, false
		}
		return EventProgress, p, true
	case runtime.EventStatus:
		var p runtimeStatusPayload
		if !decode(&p) {
			return "", nil, false
		}
		return EventStatus, p, true
	case runtime.EventComplete:
		var p CompletePayload
		if !decode(&p) {
			return "", nil, false
		}
		return EventComplete, p, true
	case runtime.EventError:
		var p ErrorPayload
		if !decode(&p) {
			return "", nil, false
		}
		return EventError, p, true
	default:
		log.Debug("Ignoring unknown runtime event type",
			zap.String("event_type", ev.Type))
		return "", nil, false
	}
}
