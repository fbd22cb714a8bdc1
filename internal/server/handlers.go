// Package server exposes the coordination API over HTTP and WebSocket:
// session and agent lifecycle, memory access, plan execution and pending
// interventions.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/memory/store"
	memsync "github.com/memnexus/memnexus/internal/memory/sync"
	"github.com/memnexus/memnexus/internal/orchestrator/engine"
	"github.com/memnexus/memnexus/internal/orchestrator/intervention"
	"github.com/memnexus/memnexus/internal/orchestrator/scheduler"
	"github.com/memnexus/memnexus/internal/session"
	v1 "github.com/memnexus/memnexus/pkg/api/v1"
)

const defaultSearchLimit = 10

// Handlers carries the services behind the HTTP API.
type Handlers struct {
	sessions      *session.Manager
	engine        *engine.Engine
	store         store.Store
	bus           *memsync.Bus
	interventions *intervention.Registry
	logger        *logger.Logger
}

// NewHandlers creates the API handler set.
func NewHandlers(sessions *session.Manager, eng *engine.Engine, st store.Store, bus *memsync.Bus, reg *intervention.Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		sessions:      sessions,
		engine:        eng,
		store:         st,
		bus:           bus,
		interventions: reg,
		logger:        log.WithFields(zap.String("component", "api")),
	}
}

// respondError maps service errors onto HTTP statuses.
func (h *Handlers) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrAgentNotFound),
		errors.Is(err, engine.ErrPlanNotFound),
		errors.Is(err, intervention.ErrPointNotFound),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrAgentExists):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrDuplicateTaskID),
		errors.Is(err, scheduler.ErrCycleDetected),
		errors.Is(err, store.ErrInvalidRecord),
		errors.Is(err, session.ErrAgentNotRunning):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// POST /api/v1/sessions
func (h *Handlers) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	sess := h.sessions.Create(req.Name, req.Description, req.Strategy, req.WorkingDir)
	c.JSON(http.StatusCreated, sess)
}

// GET /api/v1/sessions
func (h *Handlers) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessions.List()})
}

// GET /api/v1/sessions/:id
func (h *Handlers) getSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DELETE /api/v1/sessions/:id
func (h *Handlers) deleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// POST /api/v1/sessions/:id/start
func (h *Handlers) startSession(c *gin.Context) {
	if err := h.sessions.UpdateStatus(c.Param("id"), v1.SessionRunning); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(v1.SessionRunning)})
}

// POST /api/v1/sessions/:id/pause
func (h *Handlers) pauseSession(c *gin.Context) {
	if err := h.sessions.UpdateStatus(c.Param("id"), v1.SessionPaused); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(v1.SessionPaused)})
}

// GET /api/v1/sessions/:id/agents
func (h *Handlers) listAgents(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": sess.Agents})
}

// POST /api/v1/sessions/:id/agents
func (h *Handlers) addAgent(c *gin.Context) {
	var cfg v1.AgentConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if cfg.Name == "" || cfg.Role == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and role are required"})
		return
	}
	agent, err := h.sessions.AddAgent(c.Param("id"), cfg)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// POST /api/v1/sessions/:id/agents/:name/launch
func (h *Handlers) launchAgent(c *gin.Context) {
	agent, err := h.sessions.LaunchAgent(c.Request.Context(), c.Param("id"), c.Param("name"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// POST /api/v1/sessions/:id/agents/:name/stop
func (h *Handlers) stopAgent(c *gin.Context) {
	if err := h.sessions.StopAgent(c.Request.Context(), c.Param("id"), c.Param("name")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// GET /api/v1/sessions/:id/memory?query=...&type=...&limit=...
func (h *Handlers) searchMemory(c *gin.Context) {
	query := c.Query("query")
	memType := c.Query("type")
	limit := defaultSearchLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	hits, err := h.sessions.SearchContext(c.Request.Context(), c.Param("id"), query, memType, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": hits, "total": len(hits)})
}

// POST /api/v1/sessions/:id/memory
func (h *Handlers) addMemory(c *gin.Context) {
	var req addMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	cm, err := h.sessions.Context(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	if req.Type == "" {
		req.Type = "general"
	}
	id, err := cm.Capture(c.Request.Context(), req.Content, req.Source, req.Type, req.Metadata)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// GET /api/v1/memory/stats
func (h *Handlers) memoryStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// POST /api/v1/sessions/:id/tasks
func (h *Handlers) addTask(c *gin.Context) {
	var task v1.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	added, err := h.sessions.AddTask(c.Param("id"), &task)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, added)
}

// POST /api/v1/sessions/:id/plan
//
// Accepts a plan document as JSON or, when the Content-Type mentions yaml,
// as YAML.
func (h *Handlers) createPlan(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.sessions.Get(sessionID); err != nil {
		h.respondError(c, err)
		return
	}

	var doc v1.Plan
	contentType := c.ContentType()
	if strings.Contains(contentType, "yaml") || strings.Contains(contentType, "yml") {
		body, err := c.GetRawData()
		if err != nil || yaml.Unmarshal(body, &doc) != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid yaml plan"})
			return
		}
	} else if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json plan"})
		return
	}
	if len(doc.Tasks) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plan has no tasks"})
		return
	}
	if doc.Strategy == "" {
		doc.Strategy = v1.StrategySequential
	}

	for _, task := range doc.Tasks {
		if _, err := h.sessions.AddTask(sessionID, task); err != nil {
			h.respondError(c, err)
			return
		}
	}
	plan, err := h.engine.CreatePlan(sessionID, doc.Strategy, doc.Tasks)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, planResponse(plan))
}

// GET /api/v1/sessions/:id/plan
func (h *Handlers) getPlan(c *gin.Context) {
	plan, err := h.engine.LatestPlan(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, planResponse(plan))
}

// POST /api/v1/sessions/:id/plan/analyze
//
// Previews the latest plan's schedule: phases, bottlenecks and optimization
// suggestions for the session's current agent pool.
func (h *Handlers) analyzePlan(c *gin.Context) {
	sessionID := c.Param("id")
	plan, err := h.engine.LatestPlan(sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	sched := scheduler.New(h.logger)
	for _, task := range plan.Tasks() {
		sched.AddTask(task)
	}
	schedule, err := sched.CreateSchedule(sessionID, plan.Strategy, h.engine.AgentCounts(sessionID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"schedule":    schedule,
		"bottlenecks": sched.AnalyzeBottlenecks(),
		"suggestions": sched.SuggestOptimizations(),
	})
}

// POST /api/v1/sessions/:id/plan/execute
func (h *Handlers) executePlan(c *gin.Context) {
	sessionID := c.Param("id")
	plan, err := h.engine.LatestPlan(sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.sessions.UpdateStatus(sessionID, v1.SessionRunning); err != nil {
		h.respondError(c, err)
		return
	}

	go func() {
		status := v1.SessionCompleted
		if err := h.engine.Execute(context.Background(), plan.ID); err != nil {
			h.logger.WithError(err).Warn("plan execution failed",
				zap.String("plan_id", plan.ID),
				zap.String("session_id", sessionID))
			status = v1.SessionError
		}
		if err := h.sessions.UpdateStatus(sessionID, status); err != nil {
			h.logger.WithError(err).Debug("session gone before plan finished",
				zap.String("session_id", sessionID))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"plan_id": plan.ID, "status": "executing"})
}

// GET /api/v1/sessions/:id/plan/progress
func (h *Handlers) planProgress(c *gin.Context) {
	plan, err := h.engine.LatestPlan(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plan_id":  plan.ID,
		"progress": plan.Progress(),
		"finished": plan.Finished(),
		"tasks":    plan.Tasks(),
	})
}

// POST /api/v1/sessions/:id/plan/cancel
func (h *Handlers) cancelPlan(c *gin.Context) {
	plan, err := h.engine.LatestPlan(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.engine.Cancel(plan.ID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan_id": plan.ID, "status": "cancelled"})
}

// GET /api/v1/sessions/:id/interventions?pending=true
func (h *Handlers) listInterventions(c *gin.Context) {
	pendingOnly := c.DefaultQuery("pending", "true") == "true"
	points := h.interventions.BySession(c.Param("id"), pendingOnly)
	c.JSON(http.StatusOK, gin.H{"interventions": points, "total": len(points)})
}

// POST /api/v1/interventions/:id/resolve
func (h *Handlers) resolveIntervention(c *gin.Context) {
	var req resolveInterventionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action is required"})
		return
	}
	point, err := h.interventions.Resolve(c.Param("id"), req.Action, req.Comment, req.Data)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, point)
}
