// Package api exposes the broker's HTTP surface: session lifecycle for
// transport clients and an admin view over all agents.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/coderelay/coderelay/internal/common/logger"
)

// NewRouter builds the gin engine with all routes and middleware wired.
func NewRouter(h *Handler, mapper SessionMapper, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(log))
	router.Use(Tracing())

	router.GET("/healthz", h.Health)

	v1 := router.Group("/api/v1")

	sessions := v1.Group("/sessions")
	sessions.Use(RequireSessionKey(mapper))
	{
		sessions.POST("", h.CreateSession)
		sessions.POST("/turns", h.Turn)
		sessions.DELETE("", h.EndSession)
	}

	agents := v1.Group("/agents")
	{
		agents.GET("", h.ListAgents)
		agents.GET("/:agentId", h.GetAgent)
		agents.GET("/:agentId/logs", h.GetAgentLogs)
		agents.POST("/:agentId/stop", h.StopAgent)
		agents.POST("/:agentId/restart", h.RestartAgent)
		agents.DELETE("/:agentId", h.RemoveAgent)
	}

	return router
}
