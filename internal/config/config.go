package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models steward.yml: the autonomy configuration the governor consumes
// but does not own. Everything here is swappable without code change.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Autonomy struct {
		Level       string `yaml:"level"`
		DryRun      bool   `yaml:"dry_run"`
		HoldMinutes int    `yaml:"hold_minutes"`
		Boundaries  struct {
			AutoExecute     []string `yaml:"auto_execute"`
			HoldQueue       []string `yaml:"hold_queue"`
			RequireApproval []string `yaml:"require_approval"`
			NeverDo         []string `yaml:"never_do"`
		} `yaml:"boundaries"`
		Levels map[string][]string `yaml:"levels"`
	} `yaml:"autonomy"`
	Graduation struct {
		PromoteAfter    int   `yaml:"promote_after"`
		TierHoldMinutes []int `yaml:"tier_hold_minutes"`
	} `yaml:"graduation"`
	Budget struct {
		DailyLimitUSD         float64   `yaml:"daily_limit_usd"`
		MonthlyLimitUSD       float64   `yaml:"monthly_limit_usd"`
		DegradationThresholds []float64 `yaml:"degradation_thresholds"`
	} `yaml:"budget"`
	Executors     map[string]ExecutorConfig `yaml:"executors"`
	Webhooks      []WebhookConfig           `yaml:"webhooks"`
	RetentionDays int                       `yaml:"retention_days"`
}

type ExecutorConfig struct {
	Kind    string `yaml:"kind"`
	Command string `yaml:"command,omitempty"`
	URL     string `yaml:"url,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with stw config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "steward.yml")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "managed-project" {
		return fmt.Errorf("config.project.kind must be 'managed-project'")
	}
	switch c.Autonomy.Level {
	case "monitoring", "artefact", "tactical":
	default:
		return fmt.Errorf("config.autonomy.level must be monitoring|artefact|tactical")
	}
	if c.Autonomy.HoldMinutes <= 0 {
		return fmt.Errorf("config.autonomy.hold_minutes must be > 0")
	}
	seen := map[string]string{}
	boundaries := map[string][]string{
		"auto_execute":     c.Autonomy.Boundaries.AutoExecute,
		"hold_queue":       c.Autonomy.Boundaries.HoldQueue,
		"require_approval": c.Autonomy.Boundaries.RequireApproval,
		"never_do":         c.Autonomy.Boundaries.NeverDo,
	}
	for name, list := range boundaries {
		for _, actionType := range list {
			if actionType == "" {
				return fmt.Errorf("config.autonomy.boundaries.%s contains empty action type", name)
			}
			if prev, ok := seen[actionType]; ok && prev != name {
				return fmt.Errorf("action type %q appears in both %s and %s; boundary categories must be disjoint", actionType, prev, name)
			}
			seen[actionType] = name
		}
	}
	for level := range c.Autonomy.Levels {
		switch level {
		case "monitoring", "artefact", "tactical":
		default:
			return fmt.Errorf("config.autonomy.levels contains unknown level %q", level)
		}
	}
	// Allow-lists are monotonic by construction: every action allowed at a
	// lower level must stay allowed above it.
	lower := map[string]bool{}
	for _, level := range []string{"monitoring", "artefact", "tactical"} {
		current := map[string]bool{}
		for _, actionType := range c.Autonomy.Levels[level] {
			current[actionType] = true
		}
		for actionType := range lower {
			if !current[actionType] {
				return fmt.Errorf("action type %q allowed below level %s but missing from it; allow-lists must be monotonic", actionType, level)
			}
			current[actionType] = true
		}
		lower = current
	}
	if c.Graduation.PromoteAfter <= 0 {
		return fmt.Errorf("config.graduation.promote_after must be > 0")
	}
	if len(c.Graduation.TierHoldMinutes) != 4 {
		return fmt.Errorf("config.graduation.tier_hold_minutes must list exactly 4 tiers")
	}
	for i, minutes := range c.Graduation.TierHoldMinutes {
		if minutes < 1 {
			return fmt.Errorf("config.graduation.tier_hold_minutes[%d] must be >= 1", i)
		}
		if i > 0 && minutes > c.Graduation.TierHoldMinutes[i-1] {
			return fmt.Errorf("config.graduation.tier_hold_minutes must not increase with tier")
		}
	}
	if c.Budget.DailyLimitUSD <= 0 || c.Budget.MonthlyLimitUSD <= 0 {
		return fmt.Errorf("config.budget limits must be > 0")
	}
	if len(c.Budget.DegradationThresholds) != 3 {
		return fmt.Errorf("config.budget.degradation_thresholds must list exactly 3 ratios")
	}
	for i, ratio := range c.Budget.DegradationThresholds {
		if ratio <= 0 || ratio >= 1 {
			return fmt.Errorf("config.budget.degradation_thresholds[%d] must be in (0,1)", i)
		}
		if i > 0 && ratio <= c.Budget.DegradationThresholds[i-1] {
			return fmt.Errorf("config.budget.degradation_thresholds must be strictly increasing")
		}
	}
	for actionType, exec := range c.Executors {
		if actionType == "" {
			return fmt.Errorf("config.executors contains empty action type")
		}
		switch exec.Kind {
		case "log":
		case "command":
			if exec.Command == "" {
				return fmt.Errorf("executor for %s is kind=command but has no command", actionType)
			}
		case "webhook":
			if exec.URL == "" {
				return fmt.Errorf("executor for %s is kind=webhook but has no url", actionType)
			}
		default:
			return fmt.Errorf("executor for %s has unknown kind %q", actionType, exec.Kind)
		}
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("config.retention_days must be >= 0")
	}
	return nil
}

// HoldMinutesForTier returns the configured hold duration for a trust tier.
func (c *Config) HoldMinutesForTier(tier int) int {
	if tier < 0 {
		tier = 0
	}
	if tier >= len(c.Graduation.TierHoldMinutes) {
		tier = len(c.Graduation.TierHoldMinutes) - 1
	}
	return c.Graduation.TierHoldMinutes[tier]
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "managed-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

const defaultTemplate = `project:
  id: %s
  kind: managed-project

autonomy:
  level: monitoring
  dry_run: false
  hold_minutes: 30

  boundaries:
    auto_execute:
      - read_tickets
      - read_mailbox
      - update_internal_notes
      - generate_status_report
    hold_queue:
      - email_stakeholder
      - change_ticket_status
      - assign_ticket
      - post_project_comment
    require_approval:
      - change_project_scope
      - commit_budget
      - escalate_to_management
    never_do:
      - delete_data
      - share_credentials
      - sign_contract

  levels:
    monitoring:
      - read_tickets
      - read_mailbox
      - generate_status_report
    artefact:
      - read_tickets
      - read_mailbox
      - generate_status_report
      - update_internal_notes
      - artefact_update
      - post_project_comment
    tactical:
      - read_tickets
      - read_mailbox
      - generate_status_report
      - update_internal_notes
      - artefact_update
      - post_project_comment
      - email_stakeholder
      - change_ticket_status
      - assign_ticket

graduation:
  promote_after: 3
  tier_hold_minutes: [30, 15, 5, 1]

budget:
  daily_limit_usd: 10
  monthly_limit_usd: 150
  degradation_thresholds: [0.5, 0.8, 0.95]

executors:
  email_stakeholder:
    kind: log
  change_ticket_status:
    kind: log
  assign_ticket:
    kind: log
  post_project_comment:
    kind: log
  artefact_update:
    kind: log

retention_days: 90
`
