package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"steward/internal/app"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/migrate"
	"steward/internal/policy"
	"steward/internal/repo"
)

func heldFilters(projectID string) repo.HeldActionFilters {
	return repo.HeldActionFilters{ProjectID: projectID}
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	if _, _, err := app.ResolveProjectAndConfig(ctx, "proj-1", repo.Repo{DB: conn}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	cfg := config.Default("proj-1")
	env := &testEnv{Ctx: ctx, Now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return env.Now }
	eng.Trust.Now = eng.Now
	env.Engine = eng
	return env
}

func (env *testEnv) exec(t *testing.T, actionType string, cfg engine.ExecConfig) engine.ExecutionResult {
	t.Helper()
	res, err := env.Engine.ExecuteAction(env.Ctx, engine.ActionInput{
		ProjectID:  "proj-1",
		ActionType: actionType,
	}, cfg)
	if err != nil {
		t.Fatalf("execute %s: %v", actionType, err)
	}
	return res
}

func TestAutoExecuteRunsImmediately(t *testing.T) {
	env := newTestEnv(t)
	res := env.exec(t, "read_tickets", engine.ExecConfig{Level: policy.LevelMonitoring})
	if !res.Success || res.Held {
		t.Fatalf("read_tickets should execute immediately: %+v", res)
	}
}

func TestDenialIsAResultNotAnError(t *testing.T) {
	env := newTestEnv(t)
	res := env.exec(t, "artefact_update", engine.ExecConfig{Level: policy.LevelMonitoring})
	if res.Success {
		t.Fatalf("artefact_update should be denied at monitoring")
	}
	if !strings.Contains(res.Error, "artefact_update") || !strings.Contains(res.Error, "monitoring") {
		t.Fatalf("denial should name the action and the level: %q", res.Error)
	}
	// Nothing queued.
	items, err := env.Engine.Repo.ListHeldActions(env.Ctx, heldFilters("proj-1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("denied action must leave no queue entry, got %d", len(items))
	}
}

func TestNeverDoDeniedEvenPreviewed(t *testing.T) {
	env := newTestEnv(t)
	res := env.exec(t, "delete_data", engine.ExecConfig{Level: policy.LevelTactical})
	if res.Success {
		t.Fatalf("delete_data must never run")
	}
	preview := env.Engine.PreviewAction(engine.ActionInput{ProjectID: "proj-1", ActionType: "delete_data"}, policy.LevelTactical)
	if preview.WouldExecute || preview.WouldHold {
		t.Fatalf("preview must not soften a permanent prohibition: %+v", preview)
	}
	if preview.Category != policy.CategoryNeverDo {
		t.Fatalf("category = %s", preview.Category)
	}
}

func TestHoldQueueActionIsHeldThirtyMinutes(t *testing.T) {
	env := newTestEnv(t)
	res := env.exec(t, "email_stakeholder", engine.ExecConfig{Level: policy.LevelTactical})
	if !res.Success || !res.Held {
		t.Fatalf("email_stakeholder at tactical should be held: %+v", res)
	}
	want := env.Now.Add(30 * time.Minute).Format(time.RFC3339)
	if res.HeldUntil != want {
		t.Fatalf("held_until = %s, want %s", res.HeldUntil, want)
	}
	a, err := env.Engine.Repo.GetHeldAction(env.Ctx, "proj-1", res.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.HeldStatusPending {
		t.Fatalf("status = %s", a.Status)
	}
}

func TestEscalationSignalsWithoutQueueing(t *testing.T) {
	env := newTestEnv(t)
	res := env.exec(t, "commit_budget", engine.ExecConfig{Level: policy.LevelTactical})
	if !res.Success || !res.Held || !res.EscalationRequired {
		t.Fatalf("commit_budget should signal escalation: %+v", res)
	}
	items, err := env.Engine.Repo.ListHeldActions(env.Ctx, heldFilters("proj-1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("escalation must not enqueue, got %d items", len(items))
	}
}

func TestDryRunBatchEvaluatesEverything(t *testing.T) {
	env := newTestEnv(t)
	inputs := []engine.ActionInput{
		{ProjectID: "proj-1", ActionType: "read_tickets"},
		{ProjectID: "proj-1", ActionType: "delete_data"},
		{ProjectID: "proj-1", ActionType: "email_stakeholder"},
	}
	results, err := env.Engine.ExecuteActions(env.Ctx, inputs, engine.ExecConfig{Level: policy.LevelTactical, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("dry run should evaluate all inputs, got %d", len(results))
	}
	for _, res := range results {
		if res.Preview == nil {
			t.Fatalf("dry run result missing preview: %+v", res)
		}
	}
	// Nothing executed or queued.
	items, _ := env.Engine.Repo.ListHeldActions(env.Ctx, heldFilters("proj-1"))
	if len(items) != 0 {
		t.Fatalf("dry run queued %d actions", len(items))
	}
}

func TestLiveBatchStopsAtFirstFailure(t *testing.T) {
	env := newTestEnv(t)
	inputs := []engine.ActionInput{
		{ProjectID: "proj-1", ActionType: "read_tickets"},
		{ProjectID: "proj-1", ActionType: "delete_data"},
		{ProjectID: "proj-1", ActionType: "read_mailbox"},
	}
	results, err := env.Engine.ExecuteActions(env.Ctx, inputs, engine.ExecConfig{Level: policy.LevelTactical})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("live batch should stop after the failing action, got %d results", len(results))
	}
	if !results[0].Success || results[1].Success {
		t.Fatalf("unexpected outcomes: %+v", results)
	}
}

func TestUnknownLevelIsAnError(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ExecuteAction(env.Ctx, engine.ActionInput{ProjectID: "proj-1", ActionType: "read_tickets"},
		engine.ExecConfig{Level: policy.Level("supervisor")})
	if !errors.Is(err, engine.ErrUnknownLevel) {
		t.Fatalf("want ErrUnknownLevel, got %v", err)
	}
}

func TestClaimIsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	res := env.exec(t, "email_stakeholder", engine.ExecConfig{Level: policy.LevelTactical})
	first, err := env.Engine.Repo.ClaimHeldAction(env.Ctx, res.ActionID, env.Now)
	if err != nil || !first {
		t.Fatalf("first claim: %v %v", first, err)
	}
	second, err := env.Engine.Repo.ClaimHeldAction(env.Ctx, res.ActionID, env.Now)
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Fatalf("second claim must lose")
	}
}

func TestProcessQueueExecutesDueActions(t *testing.T) {
	env := newTestEnv(t)
	res := env.exec(t, "email_stakeholder", engine.ExecConfig{Level: policy.LevelTactical})

	// Before the hold elapses nothing is due.
	report, err := env.Engine.ProcessQueue(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Due != 0 {
		t.Fatalf("premature sweep found %d due actions", report.Due)
	}

	env.Now = env.Now.Add(31 * time.Minute)
	report, err = env.Engine.ProcessQueue(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Due != 1 || report.Executed != 1 || report.Failed != 0 {
		t.Fatalf("sweep report: %+v", report)
	}
	a, err := env.Engine.Repo.GetHeldAction(env.Ctx, "proj-1", res.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.HeldStatusExecuted {
		t.Fatalf("status = %s, want executed", a.Status)
	}
	// Unattended execution counts as an implicit approval.
	state, err := env.Engine.Repo.GetTrustState(env.Ctx, "proj-1", "email_stakeholder")
	if err != nil {
		t.Fatal(err)
	}
	if state.ConsecutiveApprovals != 1 {
		t.Fatalf("approvals after unattended execution = %d, want 1", state.ConsecutiveApprovals)
	}
}

func TestProcessQueueReleasesFailedActions(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Executors.Register("email_stakeholder", func(ctx context.Context, a domain.HeldAction) error {
		return errors.New("smtp unreachable")
	})
	res := env.exec(t, "email_stakeholder", engine.ExecConfig{Level: policy.LevelTactical})
	env.Now = env.Now.Add(31 * time.Minute)

	report, err := env.Engine.ProcessQueue(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 || report.Executed != 0 {
		t.Fatalf("sweep report: %+v", report)
	}
	a, err := env.Engine.Repo.GetHeldAction(env.Ctx, "proj-1", res.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.HeldStatusPending {
		t.Fatalf("failed action should return to pending, got %s", a.Status)
	}
	if !strings.Contains(a.ErrorText, "smtp unreachable") {
		t.Fatalf("error not recorded: %q", a.ErrorText)
	}
	// Trust untouched on failure.
	if _, err := env.Engine.Repo.GetTrustState(env.Ctx, "proj-1", "email_stakeholder"); err == nil {
		t.Fatalf("no trust state expected after a failed execution")
	}
}

func TestApproveExecutesEarly(t *testing.T) {
	env := newTestEnv(t)
	res := env.exec(t, "change_ticket_status", engine.ExecConfig{Level: policy.LevelTactical})

	a, decided, err := env.Engine.ApproveAction(env.Ctx, "proj-1", res.ActionID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !decided {
		t.Fatalf("fresh approval should win")
	}
	if a.Status != domain.HeldStatusExecuted {
		t.Fatalf("status = %s, want executed", a.Status)
	}
	if a.DecidedBy == nil || *a.DecidedBy != "alice" {
		t.Fatalf("decided_by = %v", a.DecidedBy)
	}
	state, err := env.Engine.Repo.GetTrustState(env.Ctx, "proj-1", "change_ticket_status")
	if err != nil {
		t.Fatal(err)
	}
	if state.ConsecutiveApprovals != 1 {
		t.Fatalf("approvals = %d", state.ConsecutiveApprovals)
	}
}

func TestCancelIsTerminalAndResetsTrust(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.Trust.RecordApproval(env.Ctx, "proj-1", "assign_ticket"); err != nil {
			t.Fatal(err)
		}
	}
	res := env.exec(t, "assign_ticket", engine.ExecConfig{Level: policy.LevelTactical})

	a, decided, err := env.Engine.CancelAction(env.Ctx, "proj-1", res.ActionID, "wrong assignee", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !decided || a.Status != domain.HeldStatusCancelled {
		t.Fatalf("cancel outcome: decided=%v status=%s", decided, a.Status)
	}
	state, err := env.Engine.Repo.GetTrustState(env.Ctx, "proj-1", "assign_ticket")
	if err != nil {
		t.Fatal(err)
	}
	if state.Tier != 0 || state.ConsecutiveApprovals != 0 {
		t.Fatalf("cancellation should reset trust: %+v", state)
	}
	// The elapsed hold never resurrects a cancelled action.
	env.Now = env.Now.Add(2 * time.Hour)
	report, err := env.Engine.ProcessQueue(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Due != 0 {
		t.Fatalf("cancelled action reappeared in sweep: %+v", report)
	}
}

func TestDecisionRaceHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	res := env.exec(t, "email_stakeholder", engine.ExecConfig{Level: policy.LevelTactical})

	if _, decided, err := env.Engine.ApproveAction(env.Ctx, "proj-1", res.ActionID, "alice"); err != nil || !decided {
		t.Fatalf("approve: decided=%v err=%v", decided, err)
	}
	a, decided, err := env.Engine.CancelAction(env.Ctx, "proj-1", res.ActionID, "", "bob")
	if err != nil {
		t.Fatalf("losing cancel must be a no-op, not an error: %v", err)
	}
	if decided {
		t.Fatalf("cancel should lose against the earlier approval")
	}
	if a.Status == domain.HeldStatusCancelled {
		t.Fatalf("loser overwrote the decision")
	}
}

func TestHoldMinutesOverride(t *testing.T) {
	env := newTestEnv(t)
	res := env.exec(t, "email_stakeholder", engine.ExecConfig{Level: policy.LevelTactical, HoldMinutes: 90})
	want := env.Now.Add(90 * time.Minute).Format(time.RFC3339)
	if res.HeldUntil != want {
		t.Fatalf("held_until = %s, want %s", res.HeldUntil, want)
	}
}

func TestPurgeDecidedHonoursRetention(t *testing.T) {
	env := newTestEnv(t)
	res := env.exec(t, "email_stakeholder", engine.ExecConfig{Level: policy.LevelTactical})
	if _, decided, err := env.Engine.CancelAction(env.Ctx, "proj-1", res.ActionID, "noise", "alice"); err != nil || !decided {
		t.Fatalf("cancel: %v", err)
	}
	// Inside the retention window nothing is purged.
	env.Now = env.Now.AddDate(0, 0, 30)
	n, err := env.Engine.PurgeDecided(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("purged %d inside retention", n)
	}
	env.Now = env.Now.AddDate(0, 0, 90)
	n, err = env.Engine.PurgeDecided(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
}
