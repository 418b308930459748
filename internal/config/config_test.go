package config_test

import (
	"strings"
	"testing"

	"steward/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "proj-1" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
	if cfg.Graduation.PromoteAfter != 3 {
		t.Fatalf("promote_after = %d", cfg.Graduation.PromoteAfter)
	}
}

func TestGeneratedYAMLRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("proj-2")))
	if err != nil {
		t.Fatalf("parse generated config: %v", err)
	}
	if cfg.Project.ID != "proj-2" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
}

func TestBoundariesMustBeDisjoint(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.Autonomy.Boundaries.NeverDo = append(cfg.Autonomy.Boundaries.NeverDo, "read_tickets")
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "disjoint") {
		t.Fatalf("expected disjointness error, got %v", err)
	}
}

func TestAllowListsMustBeMonotonic(t *testing.T) {
	cfg := config.Default("proj-1")
	// read_tickets is allowed at monitoring; dropping it from tactical
	// breaks monotonicity.
	var tactical []string
	for _, a := range cfg.Autonomy.Levels["tactical"] {
		if a != "read_tickets" {
			tactical = append(tactical, a)
		}
	}
	cfg.Autonomy.Levels["tactical"] = tactical
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "monotonic") {
		t.Fatalf("expected monotonicity error, got %v", err)
	}
}

func TestTierHoldMinutesMustNotIncrease(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.Graduation.TierHoldMinutes = []int{30, 15, 20, 1}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for increasing tier holds")
	}
}

func TestDegradationThresholdsStrictlyIncreasing(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.Budget.DegradationThresholds = []float64{0.5, 0.5, 0.95}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for non-increasing thresholds")
	}
}

func TestUnknownExecutorKindRejected(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.Executors["email_stakeholder"] = config.ExecutorConfig{Kind: "carrier-pigeon"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown executor kind")
	}
}

func TestHoldMinutesForTierClamps(t *testing.T) {
	cfg := config.Default("proj-1")
	if got := cfg.HoldMinutesForTier(0); got != 30 {
		t.Fatalf("tier 0 = %d, want 30", got)
	}
	if got := cfg.HoldMinutesForTier(3); got != 1 {
		t.Fatalf("tier 3 = %d, want 1", got)
	}
	if got := cfg.HoldMinutesForTier(-1); got != 30 {
		t.Fatalf("tier -1 = %d, want clamp to tier 0", got)
	}
	if got := cfg.HoldMinutesForTier(9); got != 1 {
		t.Fatalf("tier 9 = %d, want clamp to top tier", got)
	}
}
