package domain

// Held action lifecycle. Exactly one non-pending transition may ever succeed
// for a given action; executing is the in-flight marker owned by a claim.
const (
	HeldStatusPending   = "pending"
	HeldStatusExecuting = "executing"
	HeldStatusApproved  = "approved"
	HeldStatusExecuted  = "executed"
	HeldStatusCancelled = "cancelled"
)

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// HeldAction is the unit of delayed work in the hold queue. Records are never
// deleted on decision; they remain for audit until the retention purge.
type HeldAction struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	ActionType  string  `json:"action_type"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	Status      string  `json:"status" enum:"pending,executing,approved,executed,cancelled"`
	HeldUntil   string  `json:"held_until" format:"date-time"`
	Reason      string  `json:"reason,omitempty"`
	ErrorText   string  `json:"error_text,omitempty"`
	DecidedBy   *string `json:"decided_by,omitempty"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// TrustState tracks graduation for one (project, action type) pair.
type TrustState struct {
	ProjectID                string `json:"project_id"`
	ActionType               string `json:"action_type"`
	Tier                     int    `json:"tier"`
	ConsecutiveApprovals     int    `json:"consecutive_approvals"`
	ConsecutiveCancellations int    `json:"consecutive_cancellations"`
	LastDecisionAt           string `json:"last_decision_at,omitempty" format:"date-time"`
}

// BudgetCounter is one persisted spend counter for a calendar period.
// Kind is "daily" or "monthly"; Period is "2006-01-02" or "2006-01".
type BudgetCounter struct {
	ProjectID string  `json:"project_id"`
	Kind      string  `json:"kind" enum:"daily,monthly"`
	Period    string  `json:"period"`
	SpendUSD  float64 `json:"spend_usd"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Severity   string `json:"severity" enum:"info,warn,error"`
	Summary    string `json:"summary,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
