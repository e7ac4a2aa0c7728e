package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/appctx"
	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/index"
	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/session"
)

// Broker is the orchestrator surface the API depends on.
type Broker interface {
	GetOrCreate(ctx context.Context, agentID string, sc orchestrator.SessionConfig) (*session.Session, error)
	Turn(ctx context.Context, agentID, text string, timeout time.Duration) (string, error)
	List() []*index.SandboxRecord
	Status(ctx context.Context, agentID string) (*orchestrator.SessionStatus, error)
	Logs(ctx context.Context, agentID string, tail string) (string, error)
	Stop(ctx context.Context, agentID string) error
	Restart(ctx context.Context, agentID string) error
	Remove(ctx context.Context, agentID string) error
	Detach(ctx context.Context, agentID string) error
}

// SessionMapper resolves transport session keys to agent ids.
type SessionMapper interface {
	ResolveOrCreate(sessionKey string) string
	Touch(sessionKey string)
	End(sessionKey string) string
}

// Pinger reports engine health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains the HTTP handlers for the broker API.
type Handler struct {
	broker Broker
	mapper SessionMapper
	pinger Pinger
	logger *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(broker Broker, mapper SessionMapper, pinger Pinger, log *logger.Logger) *Handler {
	return &Handler{
		broker: broker,
		mapper: mapper,
		pinger: pinger,
		logger: log.WithFields(zap.String("component", "api")),
	}
}

// Health reports broker and engine health.
// GET /healthz
func (h *Handler) Health(c *gin.Context) {
	if h.pinger != nil {
		if err := h.pinger.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "engine": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateSession provisions (or rehydrates) the caller's session.
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	agentID := c.GetString(ctxAgentID)

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Empty body means all defaults
		req = CreateSessionRequest{}
	}

	sc := orchestrator.SessionConfig{
		Model:          req.Model,
		ApprovalMode:   req.ApprovalMode,
		ReasoningLevel: req.ReasoningLevel,
		Profile:        req.Profile,
	}
	switch req.Binding {
	case "":
	case string(index.BindingPersistent):
		sc.Binding = index.BindingPersistent
	case string(index.BindingEphemeral):
		sc.Binding = index.BindingEphemeral
	default:
		appErr := errors.BadRequest("binding must be persistent or ephemeral")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	s, err := h.broker.GetOrCreate(c.Request.Context(), agentID, sc)
	if err != nil {
		h.logger.Error("failed to create session", zap.String("agent_id", agentID), zap.Error(err))
		appErr := errors.FromDomain(err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	st, err := h.broker.Status(c.Request.Context(), s.AgentID)
	if err != nil {
		appErr := errors.FromDomain(err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse(st.Record))
}

// Turn sends one submission to the caller's session.
// POST /api/v1/sessions/turns
func (h *Handler) Turn(c *gin.Context) {
	agentID := c.GetString(ctxAgentID)

	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("text is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	reply, err := h.broker.Turn(c.Request.Context(), agentID, req.Text, timeout)
	if err != nil {
		h.logger.Warn("turn failed", zap.String("agent_id", agentID), zap.Error(err))
		appErr := errors.FromDomain(err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, TurnResponse{AgentID: agentID, Reply: reply})
}

// EndSession ends the caller's transport session. Persistent agents keep
// their sandbox; ephemeral ones are torn down.
// DELETE /api/v1/sessions
func (h *Handler) EndSession(c *gin.Context) {
	key := c.GetString(ctxSessionKey)
	agentID := h.mapper.End(key)
	if agentID == "" {
		c.JSON(http.StatusNoContent, nil)
		return
	}
	// Teardown keeps going even if the caller disconnects mid-request.
	dctx, cancel := appctx.Detached(c.Request.Context(), 2*time.Minute)
	defer cancel()
	if err := h.broker.Detach(dctx, agentID); err != nil {
		h.logger.Error("detach failed", zap.String("agent_id", agentID), zap.Error(err))
		appErr := errors.FromDomain(err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusNoContent, nil)
}

// ListAgents returns all agents known to the index.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	recs := h.broker.List()
	out := make([]SessionResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, sessionResponse(rec))
	}
	c.JSON(http.StatusOK, ListSessionsResponse{Sessions: out, Total: len(out)})
}

// GetAgent returns a read-through status for one agent.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	st, err := h.broker.Status(c.Request.Context(), agentID)
	if err != nil {
		appErr := errors.FromDomain(err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp := StatusResponse{
		Session:      sessionResponse(st.Record),
		EngineState:  st.EngineState,
		BridgeStatus: st.BridgeStatus,
	}
	if st.Stats != nil {
		resp.CPUPercent = st.Stats.CPUPercent
		resp.MemoryBytes = st.Stats.MemoryBytes
	}
	c.JSON(http.StatusOK, resp)
}

// GetAgentLogs returns the tail of an agent's sandbox output.
// GET /api/v1/agents/:agentId/logs
func (h *Handler) GetAgentLogs(c *gin.Context) {
	agentID := c.Param("agentId")
	logs, err := h.broker.Logs(c.Request.Context(), agentID, c.Query("tail"))
	if err != nil {
		appErr := errors.FromDomain(err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "logs": logs})
}

// StopAgent stops an agent's sandbox.
// POST /api/v1/agents/:agentId/stop
func (h *Handler) StopAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.broker.Stop(c.Request.Context(), agentID); err != nil {
		appErr := errors.FromDomain(err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "state": index.StateStopped})
}

// RestartAgent restarts a stopped sandbox.
// POST /api/v1/agents/:agentId/restart
func (h *Handler) RestartAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.broker.Restart(c.Request.Context(), agentID); err != nil {
		appErr := errors.FromDomain(err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "state": index.StateRunning})
}

// RemoveAgent tears an agent down completely, persistent or not.
// DELETE /api/v1/agents/:agentId
func (h *Handler) RemoveAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.broker.Remove(c.Request.Context(), agentID); err != nil {
		appErr := errors.FromDomain(err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusNoContent, nil)
}
