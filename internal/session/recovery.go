package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vibedev/agentd/internal/common/logger"
	"github.com/vibedev/agentd/internal/events"
	"github.com/vibedev/agentd/internal/events/bus"
	"github.com/vibedev/agentd/internal/runtime"
	"github.com/vibedev/agentd/internal/store"
)

// recoveryConcurrency bounds how many sessions are reconciled at once.
const recoveryConcurrency = 8

// Recover reconciles durable session records against the runtime after a
// restart. It runs once at boot, before stream traffic is served. One
// session failing to recover never aborts the rest; unrecoverable sessions
// are explicitly marked failed in the store.
func (m *Manager) Recover(ctx context.Context) error {
	log := m.logger.WithFields(zap.String("component", "recovery"))

	records, err := m.store.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		log.Info("No sessions to recover")
		return nil
	}

	log.Info("Recovering sessions", zap.Int("count", len(records)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryConcurrency)

	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			m.recoverOne(gctx, rec, log)
			return nil
		})
	}
	return g.Wait()
}

// recoverOne reconciles a single durable record.
func (m *Manager) recoverOne(ctx context.Context, rec *store.SessionRecord, log *logger.Logger) {
	slog := log.WithSessionID(rec.SessionID)

	// A record that never got a run id can never be rehydrated.
	if rec.RemoteRunID == "" {
		slog.Warn("Session has no remote run id, marking failed")
		m.markRecoveryFailed(ctx, rec.SessionID, "missing remote id", slog)
		return
	}

	status, err := m.runtime.GetRunStatus(ctx, rec.RemoteRunID)
	if err != nil {
		if errors.Is(err, runtime.ErrRunNotFound) {
			slog.Warn("Remote run no longer exists, marking failed",
				zap.String("run_id", rec.RemoteRunID))
			m.markRecoveryFailed(ctx, rec.SessionID, "remote run no longer exists", slog)
			return
		}
		slog.Error("Failed to query runtime for run status", zap.Error(err))
		m.markRecoveryFailed(ctx, rec.SessionID, "recovery failed: "+err.Error(), slog)
		return
	}

	st := mapRunStatus(status)

	sess := newSession(rec.SessionID, rec.Prompt, rec.SystemPrompt, rec.Model, m.cfg.EventBufferSize)
	sess.remoteRunID = rec.RemoteRunID
	sess.status = st
	if st == StatusFailed {
		sess.errMsg = rec.Error
	}
	if st == StatusCompleted {
		sess.progress = 100
	}

	// Events buffered before the crash are gone; the ring starts empty and
	// a reconnecting client learns the state from status-on-attach.
	if err := m.registry.Rehydrate(sess); err != nil {
		slog.Warn("Session already registered, skipping", zap.Error(err))
		return
	}

	if err := m.store.UpdateStatus(ctx, rec.SessionID, string(sess.status), sess.errMsg); err != nil {
		slog.Warn("Failed to persist recovered status", zap.Error(err))
	}

	if m.bus != nil {
		ev := bus.NewEvent(events.SessionRecovered, eventSource, map[string]interface{}{
			"session_id":    sess.ID,
			"remote_run_id": sess.remoteRunID,
			"status":        string(sess.status),
		})
		if err := m.bus.Publish(ctx, events.BuildSessionSubject(sess.ID), ev); err != nil {
			slog.Warn("Failed to publish recovery event", zap.Error(err))
		}
	}

	// A still-active run must be driven to a terminal state or it would
	// hold an admission slot forever. The prompt was submitted by the
	// previous process, so only the feed and the run status remain to
	// observe.
	if !st.Terminal() {
		timer := time.AfterFunc(m.cfg.Timeout, func() {
			sess.cancel(errTimedOut)
		})
		m.wg.Add(1)
		go m.driveRecovered(sess, timer)
	}

	slog.Info("Session recovered",
		zap.String("run_id", rec.RemoteRunID),
		zap.String("status", string(st)))
}

// driveRecovered settles a rehydrated session: it re-subscribes to the run's
// event feed and, when the feed is unavailable or ends without a terminal
// event, polls the run status until the outcome is known.
func (m *Manager) driveRecovered(sess *Session, timer *time.Timer) {
	defer m.wg.Done()
	defer timer.Stop()

	log := m.logger.WithSessionID(sess.ID).WithRunID(sess.RemoteRunID())

	eventCh, err := m.runtime.SubscribeEvents(sess.runCtx, sess.RemoteRunID())
	if err != nil {
		log.Warn("Failed to resubscribe to runtime events, polling run status instead", zap.Error(err))
	} else {
		m.pump(sess, eventCh, log)
	}

	if sess.Status().Terminal() {
		return
	}

	switch cause := context.Cause(sess.runCtx); {
	case errors.Is(cause, errTimedOut):
		if m.finish(sess, StatusFailed, "timeout") {
			log.Warn("Recovered session timed out")
		}
		m.abortRemote(sess)
	case errors.Is(cause, errCancelledByUser), errors.Is(cause, errShutdown):
		m.finish(sess, StatusCancelled, "")
	default:
		m.pollRunOutcome(sess, log)
	}
}

// pollRunOutcome queries the runtime on an interval until the run settles,
// then drives the session through the normal terminal path.
func (m *Manager) pollRunOutcome(sess *Session, log *logger.Logger) {
	ticker := time.NewTicker(m.cfg.RecoveryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.runCtx.Done():
			switch cause := context.Cause(sess.runCtx); {
			case errors.Is(cause, errTimedOut):
				if m.finish(sess, StatusFailed, "timeout") {
					log.Warn("Recovered session timed out")
				}
				m.abortRemote(sess)
			case errors.Is(cause, errCancelledByUser), errors.Is(cause, errShutdown):
				m.finish(sess, StatusCancelled, "")
			}
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			status, err := m.runtime.GetRunStatus(ctx, sess.RemoteRunID())
			cancel()
			if err != nil {
				if errors.Is(err, runtime.ErrRunNotFound) {
					m.finish(sess, StatusFailed, "remote run no longer exists")
					return
				}
				log.Warn("Failed to poll run status", zap.Error(err))
				continue
			}

			switch st := mapRunStatus(status); st {
			case StatusCompleted:
				m.finishComplete(sess, CompletePayload{})
				return
			case StatusFailed:
				m.finish(sess, StatusFailed, "remote run failed")
				return
			case StatusCancelled:
				m.finish(sess, StatusCancelled, "")
				return
			default:
				if st != sess.Status() {
					m.applyRuntimeStatus(sess, runtimeStatusPayload{Status: string(st)})
				}
			}
		}
	}
}

// markRecoveryFailed records an unrecoverable session in the durable store.
func (m *Manager) markRecoveryFailed(ctx context.Context, sessionID, reason string, slog *logger.Logger) {
	if err := m.store.UpdateStatus(ctx, sessionID, string(StatusFailed), reason); err != nil {
		slog.Error("Failed to mark session failed in store", zap.Error(err))
	}
}

// mapRunStatus translates the runtime's view of a run into a session status.
func mapRunStatus(status runtime.RunStatus) Status {
	switch status {
	case runtime.RunStatusRunning:
		return StatusRunning
	case runtime.RunStatusWaitingInput:
		return StatusWaitingInput
	case runtime.RunStatusCompleted:
		return StatusCompleted
	case runtime.RunStatusFailed:
		return StatusFailed
	case runtime.RunStatusCancelled:
		return StatusCancelled
	default:
		return StatusRunning
	}
}
