package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/vibedev/agentd/internal/common/errors"
	"github.com/vibedev/agentd/internal/common/logger"
	"github.com/vibedev/agentd/internal/events"
	"github.com/vibedev/agentd/internal/events/bus"
	"github.com/vibedev/agentd/internal/runtime"
	"github.com/vibedev/agentd/internal/store"
)

// Config holds the orchestration parameters.
type Config struct {
	// MaxConcurrent is the admission ceiling for pending/running sessions.
	MaxConcurrent int
	// Timeout bounds a run; on expiry the session fails with "timeout".
	Timeout time.Duration
	// HeartbeatInterval is the stream heartbeat period.
	HeartbeatInterval time.Duration
	// EventBufferSize is the per-session replay buffer capacity.
	EventBufferSize int
	// RecoveryPollInterval is how often a recovered session without a live
	// event feed polls the runtime for its run's outcome.
	RecoveryPollInterval time.Duration
}

// CreateRequest is the input to CreateSession.
type CreateRequest struct {
	SessionID    string
	Prompt       string
	SystemPrompt string
	Model        runtime.ModelConfig
}

// eventSource identifies this service on the bus.
const eventSource = "agentd"

// Manager owns the session registry and coordinates admission, execution
// driving, lifecycle transitions, and stream attachment.
type Manager struct {
	cfg      Config
	registry *Registry
	store    store.SessionStore
	runtime  runtime.Client
	bus      bus.EventBus
	logger   *logger.Logger

	wg sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(cfg Config, st store.SessionStore, rt runtime.Client, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if cfg.RecoveryPollInterval <= 0 {
		cfg.RecoveryPollInterval = 5 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		registry: NewRegistry(cfg.MaxConcurrent),
		store:    st,
		runtime:  rt,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "session-manager")),
	}
}

// Registry exposes the registry for recovery and introspection.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// CreateSession admits and starts a new session. The start phase is
// synchronous: the call does not return success until the runtime has
// accepted a run. Driving the run to completion happens asynchronously.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (Snapshot, error) {
	if err := validateCreate(req); err != nil {
		return Snapshot{}, err
	}

	sess := newSession(req.SessionID, req.Prompt, req.SystemPrompt, req.Model, m.cfg.EventBufferSize)
	if err := m.registry.Insert(sess); err != nil {
		return Snapshot{}, err
	}

	log := m.logger.WithSessionID(sess.ID)

	rec := &store.SessionRecord{
		SessionID:    sess.ID,
		Prompt:       sess.Prompt,
		SystemPrompt: sess.SystemPrompt,
		Model:        sess.Model,
		Status:       string(StatusPending),
		CreatedAt:    sess.CreatedAt,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		m.registry.Remove(sess.ID)
		return Snapshot{}, apperrors.InternalError("failed to persist session", err)
	}

	// Start phase. Uses the session's run context so an explicit cancel
	// issued mid-creation unwinds it cleanly.
	runID, err := m.runtime.CreateRun(sess.runCtx)
	if err != nil {
		if cause := context.Cause(sess.runCtx); errors.Is(cause, errCancelledByUser) {
			m.finish(sess, StatusCancelled, "cancelled before start")
			return Snapshot{}, apperrors.Conflict("session cancelled during creation")
		}
		log.Error("Runtime rejected run creation", zap.Error(err))
		m.finish(sess, StatusFailed, err.Error())
		return Snapshot{}, apperrors.RuntimeStart(err)
	}

	sess.setRemoteRunID(runID)
	if err := m.store.UpdateRemoteRunID(ctx, sess.ID, runID); err != nil {
		log.Warn("Failed to persist remote run id", zap.Error(err))
	}

	// A cancel can land between CreateRun returning and here; the creation
	// completes and is then cancelled.
	if cause := context.Cause(sess.runCtx); errors.Is(cause, errCancelledByUser) {
		m.finish(sess, StatusCancelled, "cancelled before start")
		m.abortRemote(sess)
		return Snapshot{}, apperrors.Conflict("session cancelled during creation")
	}

	if err := sess.transition(StatusRunning); err != nil {
		// The session went terminal between the cause check and here, which
		// means a concurrent cancel or shutdown settled it already.
		m.abortRemote(sess)
		return Snapshot{}, apperrors.Conflict("session cancelled during creation")
	}
	m.persistStatus(sess.ID, StatusRunning, "")
	m.publishBusEvent(events.SessionCreated, sess)

	log.Info("Session started",
		zap.String("run_id", runID),
		zap.String("model", sess.Model.Model))

	timer := time.AfterFunc(m.cfg.Timeout, func() {
		sess.cancel(errTimedOut)
	})

	m.wg.Add(1)
	go m.drive(sess, timer)

	return sess.Snapshot(), nil
}

func validateCreate(req CreateRequest) error {
	switch {
	case req.SessionID == "":
		return apperrors.ValidationError("session_id", "session_id is required")
	case req.Prompt == "":
		return apperrors.ValidationError("prompt", "prompt is required")
	case req.Model.Provider == "":
		return apperrors.ValidationError("model.provider", "model provider is required")
	case req.Model.Model == "":
		return apperrors.ValidationError("model.model", "model name is required")
	}
	return nil
}

// drive is the asynchronous phase: it submits the prompt, consumes the
// runtime event feed, and settles the session into exactly one terminal
// state. The timeout timer is always stopped on the way out.
func (m *Manager) drive(sess *Session, timer *time.Timer) {
	defer m.wg.Done()
	defer timer.Stop()

	log := m.logger.WithSessionID(sess.ID).WithRunID(sess.RemoteRunID())

	pumpDone := make(chan struct{})
	eventCh, err := m.runtime.SubscribeEvents(sess.runCtx, sess.RemoteRunID())
	if err != nil {
		log.Warn("Failed to subscribe to runtime events", zap.Error(err))
		close(pumpDone)
	} else {
		go func() {
			defer close(pumpDone)
			m.pump(sess, eventCh, log)
		}()
	}

	promptErr := m.runtime.SubmitPrompt(sess.runCtx, sess.RemoteRunID(), runtime.PromptRequest{
		Prompt:       sess.Prompt,
		SystemPrompt: sess.SystemPrompt,
		Model:        sess.Model,
	})

	// Let the feed drain; terminal feed events may still be in flight.
	select {
	case <-pumpDone:
	case <-time.After(2 * time.Second):
	}

	if promptErr == nil {
		// Normal completion. No-op if the feed already delivered the
		// terminal event.
		if m.finish(sess, StatusCompleted, "") {
			log.Info("Session completed")
		}
		return
	}

	switch cause := context.Cause(sess.runCtx); {
	case errors.Is(cause, errTimedOut):
		if m.finish(sess, StatusFailed, "timeout") {
			log.Warn("Session timed out")
		}
		m.abortRemote(sess)
	case errors.Is(cause, errCancelledByUser), errors.Is(cause, errShutdown):
		// CancelSession / Shutdown already settled the state.
		m.finish(sess, StatusCancelled, "")
	default:
		if m.finish(sess, StatusFailed, promptErr.Error()) {
			log.Error("Session failed", zap.Error(promptErr))
		}
	}
}

// pump consumes the runtime event feed, updating session state and
// publishing stream events until the feed ends.
func (m *Manager) pump(sess *Session, eventCh <-chan runtime.RunEvent, log *logger.Logger) {
	for ev := range eventCh {
		evType, payload, ok := mapRuntimeEvent(ev, log)
		if !ok {
			continue
		}

		switch evType {
		case EventComplete:
			m.finishComplete(sess, payload.(CompletePayload))
		case EventError:
			p := payload.(ErrorPayload)
			if p.Fatal {
				m.finish(sess, StatusFailed, p.Error)
			} else {
				sess.publish(EventError, p)
			}
		case EventStatus:
			m.applyRuntimeStatus(sess, payload.(runtimeStatusPayload))
		case EventToolCall:
			p := payload.(ToolCallPayload)
			sess.mu.Lock()
			sess.currentTool = p.Tool
			sess.publishLocked(EventToolCall, p)
			sess.mu.Unlock()
		case EventToolResult:
			p := payload.(ToolResultPayload)
			sess.mu.Lock()
			sess.currentTool = ""
			sess.publishLocked(EventToolResult, p)
			sess.mu.Unlock()
		case EventProgress:
			p := payload.(ProgressPayload)
			sess.mu.Lock()
			// Progress is monotone within a run
			if p.Percent > sess.progress {
				sess.progress = p.Percent
			}
			sess.publishLocked(EventProgress, p)
			sess.mu.Unlock()
		default:
			sess.publish(evType, payload)
		}
	}
}

// applyRuntimeStatus handles pass-through status events from the runtime,
// currently the waiting_input round trip.
func (m *Manager) applyRuntimeStatus(sess *Session, p runtimeStatusPayload) {
	var to Status
	switch p.Status {
	case string(StatusWaitingInput):
		to = StatusWaitingInput
	case string(StatusRunning):
		to = StatusRunning
	default:
		return
	}

	sess.mu.Lock()
	if err := sess.transitionLocked(to); err != nil {
		sess.mu.Unlock()
		return
	}
	sess.publishLocked(EventStatus, sess.statusPayloadLocked())
	sess.mu.Unlock()

	m.persistStatus(sess.ID, to, "")
}

// finishComplete settles the session as completed with the feed's terminal
// payload.
func (m *Manager) finishComplete(sess *Session, payload CompletePayload) bool {
	return m.settle(sess, StatusCompleted, "", payload)
}

// finish settles the session into a terminal state with a default terminal
// payload. Returns false if the session was already terminal.
func (m *Manager) finish(sess *Session, to Status, errMsg string) bool {
	return m.settle(sess, to, errMsg, CompletePayload{})
}

// settle performs the exactly-once terminal transition: it updates the
// session record, emits the status and terminal events, closes the current
// attachment, persists the outcome, and notifies the bus.
func (m *Manager) settle(sess *Session, to Status, errMsg string, completePayload CompletePayload) bool {
	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return false
	}
	if err := sess.transitionLocked(to); err != nil {
		sess.mu.Unlock()
		return false
	}
	sess.errMsg = errMsg
	sess.currentTool = ""
	if to == StatusCompleted {
		sess.progress = 100
	}

	sess.publishLocked(EventStatus, sess.statusPayloadLocked())
	switch to {
	case StatusCompleted:
		sess.publishLocked(EventComplete, completePayload)
	case StatusFailed:
		sess.publishLocked(EventError, ErrorPayload{Error: errMsg, Fatal: true})
	case StatusCancelled:
		sess.publishLocked(EventError, ErrorPayload{Error: "session cancelled", Fatal: true})
	}

	if sess.sub != nil {
		sess.sub.close()
		sess.sub = nil
	}
	sess.mu.Unlock()

	// Release the driver and the timeout timer.
	sess.cancel(errors.New("session " + string(to)))

	m.persistStatus(sess.ID, to, errMsg)

	switch to {
	case StatusCompleted:
		m.publishBusEvent(events.SessionCompleted, sess)
	case StatusFailed:
		m.publishBusEvent(events.SessionFailed, sess)
	case StatusCancelled:
		m.publishBusEvent(events.SessionCancelled, sess)
	}
	return true
}

// CancelSession cancels a non-terminal session: fires the cancel signal,
// settles the state, and best-effort aborts the remote run. Unknown ids
// return a not-found error; already-terminal sessions return a conflict.
func (m *Manager) CancelSession(ctx context.Context, sessionID string) (Snapshot, error) {
	sess, ok := m.registry.Get(sessionID)
	if !ok {
		return Snapshot{}, apperrors.NotFound("session", sessionID)
	}

	if sess.Status().Terminal() {
		return sess.Snapshot(), apperrors.Conflict("session already in terminal status " + string(sess.Status()))
	}

	sess.cancel(errCancelledByUser)
	if !m.finish(sess, StatusCancelled, "") {
		// Lost the race with another terminal transition
		return sess.Snapshot(), apperrors.Conflict("session already in terminal status " + string(sess.Status()))
	}

	m.logger.WithSessionID(sessionID).Info("Session cancelled")
	m.abortRemote(sess)

	return sess.Snapshot(), nil
}

// abortRemote asks the runtime to stop the run. Failures are logged only;
// local state already reflects the outcome.
func (m *Manager) abortRemote(sess *Session) {
	runID := sess.RemoteRunID()
	if runID == "" {
		return
	}
	if err := m.runtime.AbortRun(context.Background(), runID); err != nil {
		m.logger.WithSessionID(sess.ID).Warn("Failed to abort remote run",
			zap.String("run_id", runID),
			zap.Error(err))
	}
}

// GetStatus returns a point-in-time snapshot of a session.
func (m *Manager) GetStatus(sessionID string) (Snapshot, error) {
	sess, ok := m.registry.Get(sessionID)
	if !ok {
		return Snapshot{}, apperrors.NotFound("session", sessionID)
	}
	return sess.Snapshot(), nil
}

// ListSessions returns snapshots of all registered sessions.
func (m *Manager) ListSessions() []Snapshot {
	sessions := m.registry.List()
	out := make([]Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

// persistStatus records the last known status in the durable store.
func (m *Manager) persistStatus(sessionID string, status Status, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateStatus(ctx, sessionID, string(status), errMsg); err != nil {
		m.logger.WithSessionID(sessionID).Warn("Failed to persist session status",
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// publishBusEvent notifies the service bus of a lifecycle change.
func (m *Manager) publishBusEvent(eventType string, sess *Session) {
	if m.bus == nil {
		return
	}
	snap := sess.Snapshot()
	ev := bus.NewEvent(eventType, eventSource, map[string]interface{}{
		"session_id":    snap.SessionID,
		"remote_run_id": snap.RemoteRunID,
		"status":        string(snap.Status),
		"error":         snap.Error,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, events.BuildSessionSubject(sess.ID), ev); err != nil {
		m.logger.WithSessionID(sess.ID).Warn("Failed to publish lifecycle event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// Shutdown cancels all non-terminal sessions and waits for their drivers to
// settle, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, sess := range m.registry.List() {
		if sess.Status().Terminal() {
			continue
		}
		sess.cancel(errShutdown)
		m.finish(sess, StatusCancelled, "")
		m.abortRemote(sess)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Shutdown timed out waiting for session drivers")
	}
}
