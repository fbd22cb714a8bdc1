package server

import (
	"time"

	"github.com/memnexus/memnexus/internal/orchestrator/engine"
	v1 "github.com/memnexus/memnexus/pkg/api/v1"
)

type createSessionRequest struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Strategy    v1.Strategy `json:"strategy"`
	WorkingDir  string      `json:"working_dir"`
}

type addMemoryRequest struct {
	Content  string         `json:"content"`
	Source   string         `json:"source"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata"`
}

type resolveInterventionRequest struct {
	Action  string         `json:"action"`
	Comment string         `json:"comment"`
	Data    map[string]any `json:"data"`
}

// PlanResponse is the wire form of a stored plan.
type PlanResponse struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Strategy  v1.Strategy `json:"strategy"`
	Phases    [][]string  `json:"phases"`
	Tasks     []*v1.Task  `json:"tasks"`
	CreatedAt time.Time   `json:"created_at"`
}

func planResponse(plan *engine.Plan) PlanResponse {
	return PlanResponse{
		ID:        plan.ID,
		SessionID: plan.SessionID,
		Strategy:  plan.Strategy,
		Phases:    plan.Phases,
		Tasks:     plan.Tasks(),
		CreatedAt: plan.CreatedAt,
	}
}
