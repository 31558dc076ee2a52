package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/vibedev/agentd/internal/common/errors"
	"github.com/vibedev/agentd/internal/common/logger"
	"github.com/vibedev/agentd/internal/session"
)

// Handler contains the HTTP handlers for the session API.
type Handler struct {
	manager      *session.Manager
	workspaceDir string
	logger       *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(manager *session.Manager, workspaceDir string, log *logger.Logger) *Handler {
	return &Handler{
		manager:      manager,
		workspaceDir: workspaceDir,
		logger:       log.WithFields(zap.String("component", "api")),
	}
}

// respondError writes an AppError as JSON, wrapping unexpected errors as
// internal.
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// CreateSession starts a new session.
// POST /sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	snap, err := h.manager.CreateSession(c.Request.Context(), req.toCreateRequest())
	if err != nil {
		if !apperrors.IsValidation(err) && !apperrors.IsConflict(err) && !apperrors.IsCapacityExceeded(err) {
			h.logger.Error("failed to create session",
				zap.String("session_id", req.SessionID),
				zap.Error(err))
		}
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID:   snap.SessionID,
		RemoteRunID: snap.RemoteRunID,
		Status:      string(snap.Status),
		CreatedAt:   snap.CreatedAt,
	})
}

// GetSessionStatus returns a point-in-time view of a session.
// GET /sessions/:id/status
func (h *Handler) GetSessionStatus(c *gin.Context) {
	snap, err := h.manager.GetStatus(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(snap))
}

// ListSessions returns snapshots of all registered sessions.
// GET /sessions
func (h *Handler) ListSessions(c *gin.Context) {
	snaps := h.manager.ListSessions()
	sessions := make([]SessionStatusResponse, 0, len(snaps))
	for _, snap := range snaps {
		sessions = append(sessions, statusResponse(snap))
	}
	c.JSON(http.StatusOK, ListSessionsResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// CancelSession cancels a non-terminal session.
// DELETE /sessions/:id
func (h *Handler) CancelSession(c *gin.Context) {
	snap, err := h.manager.CancelSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, CancelSessionResponse{
		SessionID:   snap.SessionID,
		Status:      string(snap.Status),
		CancelledAt: snap.LastActivityAt,
	})
}

// lastEventID reads the resume position from the Last-Event-ID header or the
// last_event_id query parameter.
func lastEventID(c *gin.Context) uint64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("last_event_id")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Healthz is the liveness probe.
// GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Health reports service health with basic session counts.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"active_sessions": h.manager.Registry().ActiveCount(),
		"total_sessions":  h.manager.Registry().Len(),
	})
}

// Ready is the readiness probe. It fails when the workspace directory is not
// read/write accessible, since sessions cannot run without it.
// GET /ready
func (h *Handler) Ready(c *gin.Context) {
	if err := checkWorkspace(h.workspaceDir); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		appErr := apperrors.ServiceUnavailable("workspace")
		c.JSON(appErr.HTTPStatus, gin.H{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// checkWorkspace verifies the workspace dir exists and is writable.
func checkWorkspace(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &os.PathError{Op: "stat", Path: dir, Err: os.ErrInvalid}
	}

	probe := filepath.Join(dir, ".ready-"+uuid.New().String())
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return nil
}
