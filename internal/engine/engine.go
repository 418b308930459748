package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"steward/internal/budget"
	"steward/internal/config"
	"steward/internal/events"
	"steward/internal/exec"
	"steward/internal/policy"
	"steward/internal/repo"
	"steward/internal/trust"
)

// Engine is the autonomy governor: it decides whether a proposed action may
// run now, must wait in the hold queue, must be escalated, or must never run,
// and owns the lifecycle of delayed actions. It is invoked by an external,
// at-least-once, possibly-concurrent scheduler and must stay correct without
// in-process locking; all shared state is mutated through condition-guarded
// writes in the repo.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Classifier policy.Classifier
	Trust      trust.Tracker
	Budget     *budget.Governor
	Executors  exec.Registry
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:         db,
		Repo:       r,
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Classifier: policy.NewClassifier(cfg),
		Trust:      trust.New(r, cfg),
		Budget:     budget.New(r, cfg),
		Executors:  exec.FromConfig(cfg),
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ActionInput is one proposed action handed to the gate.
type ActionInput struct {
	ProjectID   string
	ActionType  string
	PayloadJSON string
}

// ExecConfig carries the trust ceiling the gate enforces for one invocation.
type ExecConfig struct {
	Level  policy.Level
	DryRun bool
	// HoldMinutes overrides the trust-derived hold duration when > 0.
	HoldMinutes int
	ActorID     string
}

// DryRunResult describes what live mode would do, without doing it. Previews
// are produced even for prohibited actions so they stay complete.
type DryRunResult struct {
	ActionType         string          `json:"action_type"`
	WouldExecute       bool            `json:"would_execute"`
	WouldHold          bool            `json:"would_hold"`
	EscalationRequired bool            `json:"escalation_required,omitempty"`
	Category           policy.Category `json:"category"`
	PlannedAction      string          `json:"planned_action"`
	Reason             string          `json:"reason"`
}

// ExecutionResult is the gate's outcome for one action. Policy denials are
// results, not errors. In dry-run mode Preview is set and nothing else
// happened.
type ExecutionResult struct {
	ActionType         string        `json:"action_type"`
	Success            bool          `json:"success"`
	Held               bool          `json:"held"`
	HeldUntil          string        `json:"held_until,omitempty"`
	ActionID           string        `json:"action_id,omitempty"`
	EscalationRequired bool          `json:"escalation_required,omitempty"`
	Reason             string        `json:"reason,omitempty"`
	Error              string        `json:"error,omitempty"`
	Preview            *DryRunResult `json:"preview,omitempty"`
}

var ErrUnknownLevel = errors.New("unknown autonomy level")

// PreviewAction classifies one action without side effects.
func (e Engine) PreviewAction(input ActionInput, level policy.Level) DryRunResult {
	verdict := e.Classifier.Classify(input.ActionType, level)
	planned := "deny"
	switch {
	case verdict.RequiresApproval:
		planned = "escalate for approval"
	case verdict.Allowed && verdict.RequiresHoldQueue:
		planned = "hold for review"
	case verdict.Allowed:
		planned = "execute immediately"
	}
	return DryRunResult{
		ActionType:         input.ActionType,
		WouldExecute:       verdict.Allowed && !verdict.RequiresHoldQueue,
		WouldHold:          verdict.Allowed && verdict.RequiresHoldQueue,
		EscalationRequired: verdict.RequiresApproval,
		Category:           verdict.Category,
		PlannedAction:      planned,
		Reason:             "dry_run",
	}
}

// PreviewActions evaluates every input; previews are independent.
func (e Engine) PreviewActions(inputs []ActionInput, level policy.Level) []DryRunResult {
	out := make([]DryRunResult, 0, len(inputs))
	for _, input := range inputs {
		out = append(out, e.PreviewAction(input, level))
	}
	return out
}

// ExecuteAction is the single entry point invoked once per proposed action.
func (e Engine) ExecuteAction(ctx context.Context, input ActionInput, cfg ExecConfig) (ExecutionResult, error) {
	if !cfg.Level.Valid() {
		return ExecutionResult{}, fmt.Errorf("%w %q", ErrUnknownLevel, cfg.Level)
	}
	if cfg.DryRun {
		preview := e.PreviewAction(input, cfg.Level)
		return ExecutionResult{ActionType: input.ActionType, Success: true, Preview: &preview}, nil
	}

	verdict := e.Classifier.Classify(input.ActionType, cfg.Level)

	if !verdict.Allowed && !verdict.RequiresApproval {
		e.emit(ctx, events.Entry{
			Type: "action.denied", ProjectID: input.ProjectID,
			EntityKind: "action", ActorID: cfg.ActorID,
			Severity: events.SeverityWarn,
			Summary:  verdict.Reason,
			Payload:  events.EventPayload{"action_type": input.ActionType, "category": string(verdict.Category)},
		})
		return ExecutionResult{ActionType: input.ActionType, Success: false, Held: false, Error: verdict.Reason}, nil
	}

	if verdict.RequiresApproval {
		// The gate only signals; raising the escalation is the caller's job.
		e.emit(ctx, events.Entry{
			Type: "action.escalation_required", ProjectID: input.ProjectID,
			EntityKind: "action", ActorID: cfg.ActorID,
			Severity: events.SeverityWarn,
			Summary:  verdict.Reason,
			Payload:  events.EventPayload{"action_type": input.ActionType},
		})
		return ExecutionResult{
			ActionType: input.ActionType, Success: true, Held: true,
			EscalationRequired: true, Reason: verdict.Reason,
		}, nil
	}

	if verdict.RequiresHoldQueue {
		held, err := e.QueueAction(ctx, QueueOptions{
			ProjectID:   input.ProjectID,
			ActionType:  input.ActionType,
			PayloadJSON: input.PayloadJSON,
			HoldMinutes: cfg.HoldMinutes,
			ActorID:     cfg.ActorID,
		})
		if err != nil {
			return ExecutionResult{}, fmt.Errorf("queue action: %w", err)
		}
		return ExecutionResult{
			ActionType: input.ActionType, Success: true, Held: true,
			HeldUntil: held.HeldUntil, ActionID: held.ID,
		}, nil
	}

	if err := e.executeNow(ctx, input, cfg.ActorID); err != nil {
		return ExecutionResult{ActionType: input.ActionType, Success: false, Error: err.Error()}, nil
	}
	return ExecutionResult{ActionType: input.ActionType, Success: true, Held: false}, nil
}

// ExecuteActions runs a batch. Live mode stops at the first failing action,
// since later actions may presuppose earlier ones succeeded; dry-run mode
// evaluates every input regardless of individual outcomes.
func (e Engine) ExecuteActions(ctx context.Context, inputs []ActionInput, cfg ExecConfig) ([]ExecutionResult, error) {
	results := make([]ExecutionResult, 0, len(inputs))
	for _, input := range inputs {
		res, err := e.ExecuteAction(ctx, input, cfg)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if !cfg.DryRun && !res.Success {
			break
		}
	}
	return results, nil
}

func (e Engine) executeNow(ctx context.Context, input ActionInput, actorID string) error {
	action := queuedActionForExec(input)
	if err := e.Executors.Execute(ctx, action); err != nil {
		e.emit(ctx, events.Entry{
			Type: "action.error", ProjectID: input.ProjectID,
			EntityKind: "action", ActorID: actorID,
			Severity: events.SeverityError,
			Summary:  fmt.Sprintf("immediate execution of %s failed", input.ActionType),
			Payload:  events.EventPayload{"action_type": input.ActionType, "error": err.Error()},
		})
		return err
	}
	e.emit(ctx, events.Entry{
		Type: "action.executed", ProjectID: input.ProjectID,
		EntityKind: "action", ActorID: actorID,
		Summary: fmt.Sprintf("executed %s immediately", input.ActionType),
		Payload: events.EventPayload{"action_type": input.ActionType, "held": false},
	})
	return nil
}

// emit writes an audit event outside any transaction. Emission failure never
// rolls back the state change it describes.
func (e Engine) emit(ctx context.Context, entry events.Entry) {
	if entry.ActorID == "" {
		entry.ActorID = "steward"
	}
	if err := e.Events.Append(ctx, nil, entry); err != nil {
		log.Printf("events: append %s failed: %v", entry.Type, err)
	}
}
