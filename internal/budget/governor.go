package budget

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"steward/internal/config"
	"steward/internal/repo"
)

const (
	KindDaily   = "daily"
	KindMonthly = "monthly"

	dailyLayout   = "2006-01-02"
	monthlyLayout = "2006-01"
)

// Governor caps spend for one project and degrades service gracefully as the
// ceiling nears. Counters are persisted with pure-addition increments so
// concurrent invocations never lose a delta; the in-memory counter stays
// authoritative for the lifetime of the process, and persistence failures are
// logged, never raised, because budget enforcement must not block the action
// it throttles.
type Governor struct {
	mu        sync.Mutex
	repo      repo.Repo
	projectID string
	cfg       *config.Config
	Now       func() time.Time

	daily   counter
	monthly counter
}

type counter struct {
	period string
	spend  float64
}

// Status is a point-in-time view of the budget.
type Status struct {
	ProjectID       string  `json:"project_id"`
	DailyPeriod     string  `json:"daily_period"`
	DailySpendUSD   float64 `json:"daily_spend_usd"`
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	MonthlyPeriod   string  `json:"monthly_period"`
	MonthlySpendUSD float64 `json:"monthly_spend_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
	DegradationTier int     `json:"degradation_tier"`
}

// New builds a governor, seeding the in-memory counters from any spend
// already persisted for the current periods. A seed failure starts the
// process at zero; budget tracking is best-effort by design.
func New(r repo.Repo, cfg *config.Config) *Governor {
	g := &Governor{repo: r, projectID: cfg.Project.ID, cfg: cfg, Now: time.Now}
	now := g.Now()
	g.daily = counter{period: now.UTC().Format(dailyLayout)}
	g.monthly = counter{period: now.UTC().Format(monthlyLayout)}
	ctx := context.Background()
	if spend, err := r.GetSpend(ctx, g.projectID, KindDaily, g.daily.period); err == nil {
		g.daily.spend = spend
	} else {
		log.Printf("budget: seed daily counter failed: %v", err)
	}
	if spend, err := r.GetSpend(ctx, g.projectID, KindMonthly, g.monthly.period); err == nil {
		g.monthly.spend = spend
	} else {
		log.Printf("budget: seed monthly counter failed: %v", err)
	}
	return g
}

// RecordUsage adds one incremental cost to the daily and monthly counters.
// Callers pass only their own delta, never a cumulative total.
func (g *Governor) RecordUsage(ctx context.Context, costUSD float64) error {
	if costUSD < 0 {
		return fmt.Errorf("cost must be non-negative, got %v", costUSD)
	}
	g.mu.Lock()
	now := g.Now().UTC()
	g.rolloverLocked(now)
	g.daily.spend += costUSD
	g.monthly.spend += costUSD
	daily, monthly := g.daily, g.monthly
	g.mu.Unlock()

	if err := g.repo.AddSpend(ctx, g.projectID, KindDaily, daily.period, costUSD); err != nil {
		log.Printf("budget: persist daily spend failed (in-memory counter unaffected): %v", err)
	}
	if err := g.repo.AddSpend(ctx, g.projectID, KindMonthly, monthly.period, costUSD); err != nil {
		log.Printf("budget: persist monthly spend failed (in-memory counter unaffected): %v", err)
	}
	return nil
}

// rolloverLocked resets a counter whose calendar period has passed. The
// persisted row for the previous period is left untouched.
func (g *Governor) rolloverLocked(now time.Time) {
	if period := now.Format(dailyLayout); period != g.daily.period {
		g.daily = counter{period: period}
	}
	if period := now.Format(monthlyLayout); period != g.monthly.period {
		g.monthly = counter{period: period}
	}
}

// DegradationTier reports how aggressively optional work should be shed:
// 0 none, 1 drop nice-to-haves, 2 essentials only, 3 stop spending.
func (g *Governor) DegradationTier() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(g.Now().UTC())
	ratio := g.daily.spend / g.cfg.Budget.DailyLimitUSD
	if monthly := g.monthly.spend / g.cfg.Budget.MonthlyLimitUSD; monthly > ratio {
		ratio = monthly
	}
	tier := 0
	for _, threshold := range g.cfg.Budget.DegradationThresholds {
		if ratio >= threshold {
			tier++
		}
	}
	return tier
}

// Snapshot returns the current budget view.
func (g *Governor) Snapshot() Status {
	tier := g.DegradationTier()
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		ProjectID:       g.projectID,
		DailyPeriod:     g.daily.period,
		DailySpendUSD:   g.daily.spend,
		DailyLimitUSD:   g.cfg.Budget.DailyLimitUSD,
		MonthlyPeriod:   g.monthly.period,
		MonthlySpendUSD: g.monthly.spend,
		MonthlyLimitUSD: g.cfg.Budget.MonthlyLimitUSD,
		DegradationTier: tier,
	}
}
