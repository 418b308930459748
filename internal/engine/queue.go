package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/repo"
)

// QueueOptions parameterise one enqueue.
type QueueOptions struct {
	ProjectID   string
	ActionType  string
	PayloadJSON string
	Reason      string
	// HoldMinutes overrides the trust-derived hold duration when > 0.
	HoldMinutes int
	ActorID     string
}

// ProcessReport summarises one sweep of the hold queue.
type ProcessReport struct {
	Due      int `json:"due"`
	Claimed  int `json:"claimed"`
	Executed int `json:"executed"`
	Failed   int `json:"failed"`
}

// QueueAction persists a new pending held action. The hold duration comes
// from the trust tracker, clamped to a minimum of one minute; losing a held
// action silently would be a correctness gap, so persistence failures surface
// to the caller.
func (e Engine) QueueAction(ctx context.Context, opts QueueOptions) (domain.HeldAction, error) {
	if opts.ProjectID == "" {
		return domain.HeldAction{}, errors.New("project is required")
	}
	if opts.ActionType == "" {
		return domain.HeldAction{}, errors.New("action type is required")
	}
	hold, err := e.holdDuration(ctx, opts)
	if err != nil {
		return domain.HeldAction{}, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	action := domain.HeldAction{
		ID:          uuid.New().String(),
		ProjectID:   opts.ProjectID,
		ActionType:  opts.ActionType,
		PayloadJSON: opts.PayloadJSON,
		Status:      domain.HeldStatusPending,
		HeldUntil:   now.Add(hold).Format(time.RFC3339),
		Reason:      opts.Reason,
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
	}
	if err := e.Repo.InsertHeldAction(ctx, nil, action); err != nil {
		return domain.HeldAction{}, fmt.Errorf("insert held action: %w", err)
	}
	e.emit(ctx, events.Entry{
		Type: "action.held", ProjectID: action.ProjectID,
		EntityKind: "held_action", EntityID: action.ID, ActorID: opts.ActorID,
		Summary: fmt.Sprintf("held %s until %s", action.ActionType, action.HeldUntil),
		Payload: events.EventPayload{"action_type": action.ActionType, "held_until": action.HeldUntil},
	})
	return action, nil
}

func (e Engine) holdDuration(ctx context.Context, opts QueueOptions) (time.Duration, error) {
	if opts.HoldMinutes > 0 {
		return time.Duration(opts.HoldMinutes) * time.Minute, nil
	}
	hold, err := e.Trust.HoldDuration(ctx, opts.ProjectID, opts.ActionType)
	if err != nil {
		// Trust state is advisory; fall back to the configured default
		// rather than refusing to hold the action.
		log.Printf("holdqueue: trust lookup for %s/%s failed, using default hold: %v", opts.ProjectID, opts.ActionType, err)
		hold = time.Duration(e.Config.Autonomy.HoldMinutes) * time.Minute
	}
	if hold < time.Minute {
		hold = time.Minute
	}
	return hold, nil
}

// ProcessQueue claims and executes every action whose hold period has
// elapsed. Two concurrent sweeps, or a sweep racing a human approval, can
// claim a given action at most once; losing the race is a no-op. One bad
// action never starves the rest of the batch. A successful unattended
// execution counts as an implicit approval for trust purposes.
func (e Engine) ProcessQueue(ctx context.Context) (ProcessReport, error) {
	due, err := e.Repo.ListDueHeldActions(ctx, e.now())
	if err != nil {
		return ProcessReport{}, fmt.Errorf("list due actions: %w", err)
	}
	report := ProcessReport{Due: len(due)}
	for _, action := range due {
		claimed, err := e.Repo.ClaimHeldAction(ctx, action.ID, e.now())
		if err != nil {
			log.Printf("holdqueue: claim %s failed: %v", action.ID, err)
			continue
		}
		if !claimed {
			log.Printf("holdqueue: %s already claimed or decided elsewhere", action.ID)
			continue
		}
		report.Claimed++
		if e.runClaimed(ctx, action) {
			report.Executed++
		} else {
			report.Failed++
		}
	}
	return report, nil
}

// runClaimed executes one claimed action and settles its state. Returns true
// on success. Failures release the action back to pending for the next sweep.
func (e Engine) runClaimed(ctx context.Context, action domain.HeldAction) bool {
	if err := e.Executors.Execute(ctx, action); err != nil {
		if _, relErr := e.Repo.ReleaseToPending(ctx, action.ID, err.Error(), e.now()); relErr != nil {
			log.Printf("holdqueue: release %s to pending failed: %v", action.ID, relErr)
		}
		e.emit(ctx, events.Entry{
			Type: "action.error", ProjectID: action.ProjectID,
			EntityKind: "held_action", EntityID: action.ID,
			Severity: events.SeverityError,
			Summary:  fmt.Sprintf("execution of held %s failed; action stays pending", action.ActionType),
			Payload:  events.EventPayload{"action_type": action.ActionType, "error": err.Error()},
		})
		return false
	}
	if _, err := e.Repo.MarkExecuted(ctx, action.ID, e.now()); err != nil {
		log.Printf("holdqueue: mark %s executed failed: %v", action.ID, err)
	}
	if _, err := e.Trust.RecordApproval(ctx, action.ProjectID, action.ActionType); err != nil {
		log.Printf("holdqueue: trust update for %s failed: %v", action.ID, err)
	}
	e.emit(ctx, events.Entry{
		Type: "action.executed", ProjectID: action.ProjectID,
		EntityKind: "held_action", EntityID: action.ID,
		Summary: fmt.Sprintf("executed held %s after hold elapsed", action.ActionType),
		Payload: events.EventPayload{"action_type": action.ActionType, "implicit_approval": true},
	})
	return true
}

// ApproveAction releases a held action early. The decision is an atomic
// pending -> approved transition; when another path already decided the
// action the call reports decided=false and does nothing else. Approval
// counts toward graduation whatever the subsequent execution does: the human
// signalled trust in the action itself.
func (e Engine) ApproveAction(ctx context.Context, projectID, id, decidedBy string) (domain.HeldAction, bool, error) {
	action, err := e.Repo.GetHeldAction(ctx, projectID, id)
	if err != nil {
		return domain.HeldAction{}, false, err
	}
	decided, err := e.Repo.DecideHeldAction(ctx, id, domain.HeldStatusApproved, action.Reason, decidedBy, e.now())
	if err != nil {
		return domain.HeldAction{}, false, fmt.Errorf("approve held action: %w", err)
	}
	if !decided {
		log.Printf("holdqueue: approve %s was a no-op, already decided", id)
		return action, false, nil
	}
	e.emit(ctx, events.Entry{
		Type: "action.approved", ProjectID: projectID,
		EntityKind: "held_action", EntityID: id, ActorID: decidedBy,
		Summary: fmt.Sprintf("approved %s before hold elapsed", action.ActionType),
		Payload: events.EventPayload{"action_type": action.ActionType},
	})
	if _, err := e.Trust.RecordApproval(ctx, projectID, action.ActionType); err != nil {
		log.Printf("holdqueue: trust update for %s failed: %v", id, err)
	}

	if err := e.Executors.Execute(ctx, action); err != nil {
		// Approved is terminal; record the failure against the action
		// instead of re-queueing it.
		if recErr := e.Repo.RecordHeldActionError(ctx, id, err.Error(), e.now()); recErr != nil {
			log.Printf("holdqueue: record error on %s failed: %v", id, recErr)
		}
		e.emit(ctx, events.Entry{
			Type: "action.error", ProjectID: projectID,
			EntityKind: "held_action", EntityID: id, ActorID: decidedBy,
			Severity: events.SeverityError,
			Summary:  fmt.Sprintf("execution of approved %s failed", action.ActionType),
			Payload:  events.EventPayload{"action_type": action.ActionType, "error": err.Error()},
		})
		action, _ = e.Repo.GetHeldAction(ctx, projectID, id)
		return action, true, nil
	}
	if _, err := e.Repo.MarkApprovedExecuted(ctx, id, e.now()); err != nil {
		log.Printf("holdqueue: mark approved %s executed failed: %v", id, err)
	}
	e.emit(ctx, events.Entry{
		Type: "action.executed", ProjectID: projectID,
		EntityKind: "held_action", EntityID: id, ActorID: decidedBy,
		Summary: fmt.Sprintf("executed %s after explicit approval", action.ActionType),
		Payload: events.EventPayload{"action_type": action.ActionType, "implicit_approval": false},
	})
	action, err = e.Repo.GetHeldAction(ctx, projectID, id)
	return action, true, err
}

// CancelAction rejects a held action: an atomic pending -> cancelled
// transition plus a full trust reset. Already-decided actions report
// decided=false and nothing else happens.
func (e Engine) CancelAction(ctx context.Context, projectID, id, reason, decidedBy string) (domain.HeldAction, bool, error) {
	action, err := e.Repo.GetHeldAction(ctx, projectID, id)
	if err != nil {
		return domain.HeldAction{}, false, err
	}
	if reason == "" {
		reason = "cancelled by " + decidedBy
	}
	decided, err := e.Repo.DecideHeldAction(ctx, id, domain.HeldStatusCancelled, reason, decidedBy, e.now())
	if err != nil {
		return domain.HeldAction{}, false, fmt.Errorf("cancel held action: %w", err)
	}
	if !decided {
		log.Printf("holdqueue: cancel %s was a no-op, already decided", id)
		return action, false, nil
	}
	if _, err := e.Trust.RecordCancellation(ctx, projectID, action.ActionType); err != nil {
		log.Printf("holdqueue: trust reset for %s failed: %v", id, err)
	}
	e.emit(ctx, events.Entry{
		Type: "action.cancelled", ProjectID: projectID,
		EntityKind: "held_action", EntityID: id, ActorID: decidedBy,
		Severity: events.SeverityWarn,
		Summary:  fmt.Sprintf("cancelled %s: %s", action.ActionType, reason),
		Payload:  events.EventPayload{"action_type": action.ActionType, "reason": reason},
	})
	action, err = e.Repo.GetHeldAction(ctx, projectID, id)
	return action, true, err
}

// PurgeDecided applies the retention TTL to executed and cancelled actions.
func (e Engine) PurgeDecided(ctx context.Context) (int64, error) {
	if e.Config.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := e.now().UTC().AddDate(0, 0, -e.Config.RetentionDays)
	purged, err := e.Repo.PurgeDecidedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge decided actions: %w", err)
	}
	return purged, nil
}

// queuedActionForExec adapts a gate input into the executor's action shape
// for immediate execution; the action never touches the queue.
func queuedActionForExec(input ActionInput) domain.HeldAction {
	return domain.HeldAction{
		ID:          uuid.New().String(),
		ProjectID:   input.ProjectID,
		ActionType:  input.ActionType,
		PayloadJSON: input.PayloadJSON,
		Status:      domain.HeldStatusExecuted,
	}
}

// ErrNotFound re-exported for callers that only import engine.
var ErrNotFound = repo.ErrNotFound
