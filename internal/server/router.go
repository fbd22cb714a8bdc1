package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/memnexus/memnexus/internal/common/httpmw"
	"github.com/memnexus/memnexus/internal/common/logger"
)

// NewRouter builds the gin engine with middleware and all API routes.
func NewRouter(h *Handlers, log *logger.Logger) *gin.Engine {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "memnexus"))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())
	router.Use(httpmw.OtelTracing("memnexus"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	{
		api.POST("/sessions", h.createSession)
		api.GET("/sessions", h.listSessions)
		api.GET("/sessions/:id", h.getSession)
		api.DELETE("/sessions/:id", h.deleteSession)
		api.POST("/sessions/:id/start", h.startSession)
		api.POST("/sessions/:id/pause", h.pauseSession)

		api.GET("/sessions/:id/agents", h.listAgents)
		api.POST("/sessions/:id/agents", h.addAgent)
		api.POST("/sessions/:id/agents/:name/launch", h.launchAgent)
		api.POST("/sessions/:id/agents/:name/stop", h.stopAgent)

		api.GET("/sessions/:id/memory", h.searchMemory)
		api.POST("/sessions/:id/memory", h.addMemory)
		api.GET("/memory/stats", h.memoryStats)

		api.POST("/sessions/:id/tasks", h.addTask)

		api.POST("/sessions/:id/plan", h.createPlan)
		api.GET("/sessions/:id/plan", h.getPlan)
		api.POST("/sessions/:id/plan/analyze", h.analyzePlan)
		api.POST("/sessions/:id/plan/execute", h.executePlan)
		api.GET("/sessions/:id/plan/progress", h.planProgress)
		api.POST("/sessions/:id/plan/cancel", h.cancelPlan)

		api.GET("/sessions/:id/interventions", h.listInterventions)
		api.POST("/interventions/:id/resolve", h.resolveIntervention)
	}

	router.GET("/ws/sync/:session_id", h.streamSync)
	return router
}
