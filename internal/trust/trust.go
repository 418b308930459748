package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/repo"
)

// MaxTier is the graduation ceiling; tier 3 holds are effectively immediate.
const MaxTier = 3

// Tracker records approval history per (project, action type) and maps the
// resulting trust tier to a hold duration. State is read-then-written;
// concurrent writers append the same outcome to the same counters, so
// last-writer-wins on the small state row is acceptable. The tracker is never
// used as a lock.
type Tracker struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func New(r repo.Repo, cfg *config.Config) Tracker {
	return Tracker{Repo: r, Config: cfg, Now: time.Now}
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t Tracker) load(ctx context.Context, projectID, actionType string) (domain.TrustState, error) {
	state, err := t.Repo.GetTrustState(ctx, projectID, actionType)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.TrustState{ProjectID: projectID, ActionType: actionType}, nil
	}
	return state, err
}

// RecordApproval counts one approval (explicit, or implicit via a successful
// unattended execution) and promotes the tier when the configured threshold
// is crossed.
func (t Tracker) RecordApproval(ctx context.Context, projectID, actionType string) (domain.TrustState, error) {
	state, err := t.load(ctx, projectID, actionType)
	if err != nil {
		return state, err
	}
	state.ConsecutiveApprovals++
	state.ConsecutiveCancellations = 0
	state.Tier = tierFor(state.ConsecutiveApprovals, t.Config.Graduation.PromoteAfter)
	state.LastDecisionAt = t.now().UTC().Format(time.RFC3339)
	if err := t.Repo.UpsertTrustState(ctx, state); err != nil {
		return state, fmt.Errorf("save trust state: %w", err)
	}
	return state, nil
}

// RecordCancellation fully un-graduates the pair: a single rejection resets
// tier and the approval streak unconditionally.
func (t Tracker) RecordCancellation(ctx context.Context, projectID, actionType string) (domain.TrustState, error) {
	state, err := t.load(ctx, projectID, actionType)
	if err != nil {
		return state, err
	}
	state.Tier = 0
	state.ConsecutiveApprovals = 0
	state.ConsecutiveCancellations++
	state.LastDecisionAt = t.now().UTC().Format(time.RFC3339)
	if err := t.Repo.UpsertTrustState(ctx, state); err != nil {
		return state, fmt.Errorf("save trust state: %w", err)
	}
	return state, nil
}

// HoldDuration maps the pair's current tier to a hold duration, clamped to a
// minimum of one minute so a fully graduated action still passes through the
// queue instead of executing inline.
func (t Tracker) HoldDuration(ctx context.Context, projectID, actionType string) (time.Duration, error) {
	state, err := t.load(ctx, projectID, actionType)
	if err != nil {
		return 0, err
	}
	minutes := t.Config.HoldMinutesForTier(state.Tier)
	if minutes < 1 {
		minutes = 1
	}
	return time.Duration(minutes) * time.Minute, nil
}

func tierFor(consecutiveApprovals, promoteAfter int) int {
	if promoteAfter <= 0 {
		return 0
	}
	tier := consecutiveApprovals / promoteAfter
	if tier > MaxTier {
		tier = MaxTier
	}
	return tier
}
