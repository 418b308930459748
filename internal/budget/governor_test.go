package budget_test

import (
	"context"
	"testing"
	"time"

	"steward/internal/budget"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/migrate"
	"steward/internal/repo"
)

func newGovernor(t *testing.T) (*budget.Governor, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	g := budget.New(repo.Repo{DB: conn}, cfg)
	g.Now = func() time.Time { return time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC) }
	return g, context.Background()
}

func TestIncrementsAccumulate(t *testing.T) {
	g, ctx := newGovernor(t)
	for _, cost := range []float64{0.25, 1.5, 0.25} {
		if err := g.RecordUsage(ctx, cost); err != nil {
			t.Fatal(err)
		}
	}
	s := g.Snapshot()
	if s.DailySpendUSD != 2.0 {
		t.Fatalf("daily spend = %v, want 2.0", s.DailySpendUSD)
	}
	if s.MonthlySpendUSD != 2.0 {
		t.Fatalf("monthly spend = %v, want 2.0", s.MonthlySpendUSD)
	}
}

func TestNegativeCostRejected(t *testing.T) {
	g, ctx := newGovernor(t)
	if err := g.RecordUsage(ctx, -1); err == nil {
		t.Fatalf("expected error for negative cost")
	}
}

func TestDegradationTiers(t *testing.T) {
	// Default limits: daily 10, monthly 150; thresholds 0.5, 0.8, 0.95.
	g, ctx := newGovernor(t)
	if tier := g.DegradationTier(); tier != 0 {
		t.Fatalf("fresh tier = %d", tier)
	}
	if err := g.RecordUsage(ctx, 5.0); err != nil {
		t.Fatal(err)
	}
	if tier := g.DegradationTier(); tier != 1 {
		t.Fatalf("tier at 50%% = %d, want 1", tier)
	}
	if err := g.RecordUsage(ctx, 3.0); err != nil {
		t.Fatal(err)
	}
	if tier := g.DegradationTier(); tier != 2 {
		t.Fatalf("tier at 80%% = %d, want 2", tier)
	}
	if err := g.RecordUsage(ctx, 2.0); err != nil {
		t.Fatal(err)
	}
	if tier := g.DegradationTier(); tier != 3 {
		t.Fatalf("tier at 100%% = %d, want 3", tier)
	}
}

func TestDailyRolloverLeavesMonthlyAndHistory(t *testing.T) {
	g, ctx := newGovernor(t)
	now := time.Date(2026, 8, 15, 23, 0, 0, 0, time.UTC)
	g.Now = func() time.Time { return now }
	if err := g.RecordUsage(ctx, 4.0); err != nil {
		t.Fatal(err)
	}
	// Midnight passes.
	now = time.Date(2026, 8, 16, 1, 0, 0, 0, time.UTC)
	if err := g.RecordUsage(ctx, 1.0); err != nil {
		t.Fatal(err)
	}
	s := g.Snapshot()
	if s.DailyPeriod != "2026-08-16" {
		t.Fatalf("daily period = %s", s.DailyPeriod)
	}
	if s.DailySpendUSD != 1.0 {
		t.Fatalf("daily spend after rollover = %v, want 1.0", s.DailySpendUSD)
	}
	if s.MonthlySpendUSD != 5.0 {
		t.Fatalf("monthly spend = %v, want 5.0", s.MonthlySpendUSD)
	}
}

func TestMonthlyRolloverStartsFresh(t *testing.T) {
	g, ctx := newGovernor(t)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	g.Now = func() time.Time { return now }
	if err := g.RecordUsage(ctx, 9.0); err != nil {
		t.Fatal(err)
	}
	now = time.Date(2026, 9, 1, 0, 5, 0, 0, time.UTC)
	s := g.Snapshot()
	if s.MonthlyPeriod != "2026-09" || s.MonthlySpendUSD != 0 {
		t.Fatalf("monthly counter after rollover: %+v", s)
	}
	if s.DegradationTier != 0 {
		t.Fatalf("degradation tier after rollover = %d", s.DegradationTier)
	}
}

func TestSeedsFromPersistedSpend(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn}
	cfg := config.Default("proj-1")
	ctx := context.Background()

	frozen := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)
	first := budget.New(r, cfg)
	first.Now = func() time.Time { return frozen }
	if err := first.RecordUsage(ctx, 3.5); err != nil {
		t.Fatal(err)
	}

	// A restarted process picks up the persisted counters for the same
	// periods. budget.New seeds with real time, so re-freeze and force a
	// snapshot on the same date.
	second := budget.New(r, cfg)
	second.Now = func() time.Time { return frozen }
	spend, err := r.GetSpend(ctx, "proj-1", budget.KindDaily, "2026-08-15")
	if err != nil {
		t.Fatal(err)
	}
	if spend != 3.5 {
		t.Fatalf("persisted daily spend = %v, want 3.5", spend)
	}
	if err := second.RecordUsage(ctx, 0.5); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.GetSpend(ctx, "proj-1", budget.KindDaily, "2026-08-15"); got != 4.0 {
		t.Fatalf("daily spend after both processes = %v, want 4.0", got)
	}
}
