package api

import (
	"github.com/gin-gonic/gin"

	"github.com/vibedev/agentd/internal/common/httpmw"
	"github.com/vibedev/agentd/internal/common/logger"
	"github.com/vibedev/agentd/internal/session"
)

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(manager *session.Manager, workspaceDir string, log *logger.Logger) *gin.Engine {
	handler := NewHandler(manager, workspaceDir, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "agentd"))
	router.Use(httpmw.OtelTracing("agentd"))

	SetupRoutes(router, handler)
	return router
}

// SetupRoutes configures the session API routes.
func SetupRoutes(router *gin.Engine, handler *Handler) {
	// Probes
	router.GET("/healthz", handler.Healthz)
	router.GET("/health", handler.Health)
	router.GET("/ready", handler.Ready)

	// Sessions
	router.POST("/sessions", handler.CreateSession)
	router.GET("/sessions", handler.ListSessions)

	sessions := router.Group("/sessions/:id")
	{
		sessions.GET("/status", handler.GetSessionStatus)
		sessions.GET("/stream", handler.StreamSession)
		sessions.GET("/stream/ws", handler.StreamSessionWS)
		sessions.DELETE("", handler.CancelSession)
	}
}
