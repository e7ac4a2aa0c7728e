package api

import (
	"github.com/coderelay/coderelay/internal/bridge"
	"github.com/coderelay/coderelay/internal/index"
)

// CreateSessionRequest carries per-agent overrides for provisioning.
// All fields are optional; defaults come from the broker configuration.
type CreateSessionRequest struct {
	Model          string `json:"model"`
	ApprovalMode   string `json:"approval_mode"`
	ReasoningLevel string `json:"reasoning_level"`
	Profile        string `json:"profile"`
	Binding        string `json:"binding"` // persistent or ephemeral
}

// SessionResponse describes one agent session.
type SessionResponse struct {
	AgentID     string `json:"agent_id"`
	SandboxID   string `json:"sandbox_id"`
	SandboxName string `json:"sandbox_name"`
	State       string `json:"state"`
	Binding     string `json:"binding"`
	Model       string `json:"model"`
	CreatedAt   int64  `json:"created_at"`
	LastActive  int64  `json:"last_active"`
	TurnCount   int    `json:"turn_count"`
}

func sessionResponse(rec *index.SandboxRecord) SessionResponse {
	return SessionResponse{
		AgentID:     rec.AgentID,
		SandboxID:   rec.SandboxID,
		SandboxName: rec.SandboxName,
		State:       rec.State,
		Binding:     string(rec.Binding),
		Model:       rec.Model,
		CreatedAt:   rec.CreatedAt,
		LastActive:  rec.LastActive,
		TurnCount:   rec.TurnCount,
	}
}

// ListSessionsResponse wraps the session list.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

// TurnRequest carries one user submission.
type TurnRequest struct {
	Text           string `json:"text" binding:"required"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// TurnResponse carries the aggregated reply.
type TurnResponse struct {
	AgentID string `json:"agent_id"`
	Reply   string `json:"reply"`
}

// StatusResponse is the read-through status view.
type StatusResponse struct {
	Session      SessionResponse `json:"session"`
	EngineState  string          `json:"engine_state"`
	BridgeStatus bridge.Status   `json:"bridge_status,omitempty"`
	CPUPercent   float64         `json:"cpu_percent,omitempty"`
	MemoryBytes  uint64          `json:"memory_bytes,omitempty"`
}
