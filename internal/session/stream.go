package session

import (
	"context"
	"time"

	apperrors "github.com/vibedev/agentd/internal/common/errors"
)

// Attachment is one consumer's view of a session stream. Events carries the
// status-on-attach event, any replayed events, then live events and
// heartbeats; it is closed when the session terminates, the consumer's
// context ends, or a newer attachment replaces this one.
type Attachment struct {
	SessionID string
	Events    <-chan Event

	cancel context.CancelFunc
}

// Close releases the attachment. Safe to call more than once.
func (a *Attachment) Close() {
	a.cancel()
}

// AttachStream opens a stream for a session. lastEventID resumes replay
// strictly after that id; an id older than the retention horizon resumes
// from the earliest retained event. Only one live consumer per session: a
// new attachment replaces the previous one. Event production and buffering
// continue whether or not anyone is attached.
func (m *Manager) AttachStream(ctx context.Context, sessionID string, lastEventID uint64) (*Attachment, error) {
	sess, ok := m.registry.Get(sessionID)
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan Event, subscriberBuffer)

	// A session with no remote run id cannot stream: the start phase
	// failed (or is still in flight and failed) before any feed existed.
	if sess.RemoteRunID() == "" {
		go func() {
			defer close(out)
			snap := sess.Snapshot()
			deliverTo(streamCtx, out, Event{Type: EventStatus, Payload: StatusPayload{
				SessionID: snap.SessionID,
				Status:    snap.Status,
				Progress:  snap.Progress,
				Error:     snap.Error,
			}})
			errMsg := snap.Error
			if errMsg == "" {
				errMsg = "session has no run"
			}
			deliverTo(streamCtx, out, Event{Type: EventError, Payload: ErrorPayload{Error: errMsg, Fatal: true}})
		}()
		return &Attachment{SessionID: sessionID, Events: out, cancel: cancel}, nil
	}

	statusEv, replay, live := sess.attach(lastEventID)

	go m.runAttachment(streamCtx, sess, out, statusEv, replay, live)

	return &Attachment{SessionID: sessionID, Events: out, cancel: cancel}, nil
}

// runAttachment feeds one consumer: status first, then replay, then live
// events interleaved with heartbeats until the stream ends.
func (m *Manager) runAttachment(ctx context.Context, sess *Session, out chan<- Event, statusEv Event, replay []Event, live <-chan Event) {
	defer close(out)
	defer func() {
		if live != nil {
			sess.detach(live)
		}
	}()

	if !deliverTo(ctx, out, statusEv) {
		return
	}
	for _, ev := range replay {
		if !deliverTo(ctx, out, ev) {
			return
		}
	}

	// Terminal on attach: replay already carried the terminal event.
	if live == nil {
		return
	}

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-live:
			if !ok {
				// Publisher closed the channel: terminal reached or a
				// newer attachment took over.
				return
			}
			if !deliverTo(ctx, out, ev) {
				return
			}
		case <-ticker.C:
			if !deliverTo(ctx, out, Event{Type: EventHeartbeat, Payload: HeartbeatPayload{}}) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// deliverTo sends an event unless the consumer is gone.
func deliverTo(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
