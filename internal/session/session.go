// Package session implements the orchestration core: admission, execution
// driving, event streaming with replay, cancellation, and boot recovery.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vibedev/agentd/internal/runtime"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusWaitingInput Status = "waiting_input"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validTransitions is the lifecycle graph. Terminal states have no
// outgoing edges.
var validTransitions = map[Status][]Status{
	StatusPending:      {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:      {StatusWaitingInput, StatusCompleted, StatusFailed, StatusCancelled},
	StatusWaitingInput: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a status change violates the
// lifecycle graph.
var ErrInvalidTransition = errors.New("invalid status transition")

// Cancellation causes, distinguished so the driver can tell a timeout from
// a user decision.
var (
	errCancelledByUser = errors.New("cancelled by user")
	errTimedOut        = errors.New("session timeout")
	errShutdown        = errors.New("service shutting down")
)

// subscriber is the single live consumer attached to a session's stream.
type subscriber struct {
	ch     chan Event
	closed bool
}

func (s *subscriber) close() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers without blocking; reports whether the consumer accepted
// the event.
func (s *subscriber) send(ev Event) bool {
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// subscriberBuffer bounds the live channel between the publisher and one
// attached consumer.
const subscriberBuffer = 256

// Session is the central entity: one prompt execution against the agent
// runtime. Mutable fields are guarded by mu; immutable inputs are set at
// creation.
type Session struct {
	ID           string
	Prompt       string
	SystemPrompt string
	Model        runtime.ModelConfig
	CreatedAt    time.Time

	mu           sync.Mutex
	remoteRunID  string
	status       Status
	progress     int
	currentTool  string
	errMsg       string
	lastActivity time.Time
	ring         *eventRing
	sub          *subscriber

	// runCtx is cancelled exactly once, by timeout, explicit cancel, or
	// shutdown; the cause distinguishes them.
	runCtx context.Context
	cancel context.CancelCauseFunc
}

func newSession(id, prompt, systemPrompt string, model runtime.ModelConfig, bufferSize int) *Session {
	runCtx, cancel := context.WithCancelCause(context.Background())
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Model:        model,
		CreatedAt:    now,
		status:       StatusPending,
		lastActivity: now,
		ring:         newEventRing(bufferSize),
		runCtx:       runCtx,
		cancel:       cancel,
	}
}

// Snapshot is a point-in-time read of a session's observable state.
type Snapshot struct {
	SessionID      string    `json:"session_id"`
	RemoteRunID    string    `json:"remote_run_id,omitempty"`
	Status         Status    `json:"status"`
	Progress       int       `json:"progress"`
	CurrentTool    string    `json:"current_tool,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Snapshot returns the session's current observable state. Never blocks on
// the execution driver.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:      s.ID,
		RemoteRunID:    s.remoteRunID,
		Status:         s.status,
		Progress:       s.progress,
		CurrentTool:    s.currentTool,
		Error:          s.errMsg,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivity,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RemoteRunID returns the runtime-assigned run id, empty until the start
// phase succeeds.
func (s *Session) RemoteRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteRunID
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now().UTC()
}

// setRemoteRunID records the run id. Set at most once.
func (s *Session) setRemoteRunID(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteRunID == "" {
		s.remoteRunID = runID
		s.touchLocked()
	}
}

// transition moves the session along the lifecycle graph. Terminal states
// reject all outgoing transitions.
func (s *Session) transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to Status) error {
	if s.status == to {
		return nil
	}
	if !canTransition(s.status, to) {
		return ErrInvalidTransition
	}
	s.status = to
	s.touchLocked()
	return nil
}

// statusPayloadLocked builds a status event payload from current state.
func (s *Session) statusPayloadLocked() StatusPayload {
	return StatusPayload{
		SessionID:   s.ID,
		Status:      s.status,
		Progress:    s.progress,
		CurrentTool: s.currentTool,
		Error:       s.errMsg,
	}
}

// publish appends a sequenced event to the ring and forwards it to the
// attached consumer if any.
func (s *Session) publish(evType EventType, payload any) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(evType, payload)
}

func (s *Session) publishLocked(evType EventType, payload any) uint64 {
	id := s.ring.append(evType, payload)
	s.touchLocked()
	if s.sub != nil && !s.sub.send(Event{ID: id, Type: evType, Payload: payload}) {
		// The consumer stalled past the channel budget. End the attachment
		// so the client reconnects and replays from the ring instead of
		// observing a gap in event ids.
		s.sub.close()
		s.sub = nil
	}
	return id
}

// attach registers a live consumer, replacing any previous one, and returns
// the status-on-attach event, the replay slice, and the live channel. A
// terminal session gets no live channel; the stream closes after replay.
func (s *Session) attach(lastEventID uint64) (statusEv Event, replay []Event, live <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statusEv = Event{Type: EventStatus, Payload: s.statusPayloadLocked()}
	replay = s.ring.after(lastEventID)

	if s.sub != nil {
		s.sub.close()
		s.sub = nil
	}

	if s.status.Terminal() {
		return statusEv, replay, nil
	}

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	s.sub = sub
	return statusEv, replay, sub.ch
}

// detach removes the consumer if it is still the registered one.
func (s *Session) detach(live <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil && s.sub.ch == live {
		s.sub.close()
		s.sub = nil
	}
}
