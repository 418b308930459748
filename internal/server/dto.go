package server

import (
	"encoding/json"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Kind        *string `json:"kind,omitempty"`
	Description *string `json:"description,omitempty"`
}

type ActionRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ExecuteRequest struct {
	Level       string          `json:"level" enum:"monitoring,artefact,tactical"`
	DryRun      bool            `json:"dry_run,omitempty"`
	HoldMinutes *int            `json:"hold_minutes,omitempty"`
	Actions     []ActionRequest `json:"actions"`
}

type DecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RecordSpendRequest struct {
	CostUSD float64 `json:"cost_usd"`
}

type ImportConfigRequest struct {
	YAML string `json:"yaml"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Kind:        p.Kind,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

type HeldActionResponse struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	ActionType string          `json:"action_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     string          `json:"status" enum:"pending,executing,approved,executed,cancelled"`
	HeldUntil  string          `json:"held_until"`
	Reason     string          `json:"reason,omitempty"`
	Error      string          `json:"error,omitempty"`
	DecidedBy  *string         `json:"decided_by,omitempty"`
	DecidedAt  *string         `json:"decided_at,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

func heldActionResponse(a domain.HeldAction) HeldActionResponse {
	var payload json.RawMessage
	if a.PayloadJSON != "" && json.Valid([]byte(a.PayloadJSON)) {
		payload = json.RawMessage(a.PayloadJSON)
	}
	return HeldActionResponse{
		ID:         a.ID,
		ProjectID:  a.ProjectID,
		ActionType: a.ActionType,
		Payload:    payload,
		Status:     a.Status,
		HeldUntil:  a.HeldUntil,
		Reason:     a.Reason,
		Error:      a.ErrorText,
		DecidedBy:  a.DecidedBy,
		DecidedAt:  a.DecidedAt,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func mapHeldActions(items []domain.HeldAction) []HeldActionResponse {
	out := make([]HeldActionResponse, 0, len(items))
	for _, a := range items {
		out = append(out, heldActionResponse(a))
	}
	return out
}

type TrustStateResponse struct {
	ActionType               string `json:"action_type"`
	Tier                     int    `json:"tier"`
	ConsecutiveApprovals     int    `json:"consecutive_approvals"`
	ConsecutiveCancellations int    `json:"consecutive_cancellations"`
	HoldMinutes              int    `json:"hold_minutes"`
	LastDecisionAt           string `json:"last_decision_at,omitempty"`
}

func trustStateResponse(s domain.TrustState, cfg *config.Config) TrustStateResponse {
	return TrustStateResponse{
		ActionType:               s.ActionType,
		Tier:                     s.Tier,
		ConsecutiveApprovals:     s.ConsecutiveApprovals,
		ConsecutiveCancellations: s.ConsecutiveCancellations,
		HoldMinutes:              cfg.HoldMinutesForTier(s.Tier),
		LastDecisionAt:           s.LastDecisionAt,
	}
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Severity   string          `json:"severity"`
	Summary    string          `json:"summary,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	var payload json.RawMessage
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Severity:   e.Severity,
		Summary:    e.Summary,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

func actionInputs(projectID string, reqs []ActionRequest) ([]engine.ActionInput, error) {
	out := make([]engine.ActionInput, 0, len(reqs))
	for _, r := range reqs {
		input := engine.ActionInput{ProjectID: projectID, ActionType: r.Type}
		if len(r.Payload) > 0 {
			b, err := json.Marshal(r.Payload)
			if err != nil {
				return nil, err
			}
			input.PayloadJSON = string(b)
		}
		out = append(out, input)
	}
	return out, nil
}
