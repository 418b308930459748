package stewardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Steward HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Action is one proposed action handed to the governor.
type Action struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ExecutionResult is the governor's outcome for one action.
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

// DryRunResult describes what live mode would do, without doing it.
type DryRunResult struct {
	ActionType         string `json:"action_type"`
	WouldExecute       bool   `json:"would_execute"`
	WouldHold          bool   `json:"would_hold"`
	EscalationRequired bool   `json:"escalation_required,omitempty"`
	Category           string `json:"category"`
	PlannedAction      string `json:"planned_action"`
	Reason             string `json:"reason"`
}

// HeldAction is one queued action awaiting its hold window or a decision.
type HeldAction struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     string         `json:"status"`
	HeldUntil  string         `json:"held_until"`
	Reason     string         `json:"reason,omitempty"`
	Error      string         `json:"error,omitempty"`
	DecidedBy  *string        `json:"decided_by,omitempty"`
	DecidedAt  *string        `json:"decided_at,omitempty"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

// TrustState is the graduation state for one action type.
type TrustState struct {
	ActionType               string `json:"action_type"`
	Tier                     int    `json:"tier"`
	ConsecutiveApprovals     int    `json:"consecutive_approvals"`
	ConsecutiveCancellations int    `json:"consecutive_cancellations"`
	HoldMinutes              int    `json:"hold_minutes"`
}

// BudgetStatus is a point-in-time view of spend counters.
type BudgetStatus struct {
	ProjectID       string  `json:"project_id"`
	DailyPeriod     string  `json:"daily_period"`
	DailySpendUSD   float64 `json:"daily_spend_usd"`
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	MonthlyPeriod   string  `json:"monthly_period"`
	MonthlySpendUSD float64 `json:"monthly_spend_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
	DegradationTier int     `json:"degradation_tier"`
}

// ProcessReport summarises one queue sweep.
type ProcessReport struct {
	Due      int `json:"due"`
	Claimed  int `json:"claimed"`
	Executed int `json:"executed"`
	Failed   int `json:"failed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Execute gates a batch of actions at the given autonomy level.
func (c *Client) Execute(ctx context.Context, level string, dryRun bool, actions []Action) ([]ExecutionResult, error) {
	body := map[string]any{
		"level":   level,
		"dry_run": dryRun,
		"actions": actions,
	}
	var resp []ExecutionResult
	err := c.do(ctx, http.MethodPost, c.projectPath("execute"), body, &resp)
	return resp, err
}

// Preview classifies a batch of actions without side effects.
func (c *Client) Preview(ctx context.Context, level string, actions []Action) ([]DryRunResult, error) {
	body := map[string]any{
		"level":   level,
		"actions": actions,
	}
	var resp []DryRunResult
	err := c.do(ctx, http.MethodPost, c.projectPath("preview"), body, &resp)
	return resp, err
}

// ListQueue returns held actions, optionally filtered by status.
func (c *Client) ListQueue(ctx context.Context, status string) ([]HeldAction, error) {
	endpoint := c.projectPath("queue")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []HeldAction
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetHeldAction fetches one held action.
func (c *Client) GetHeldAction(ctx context.Context, id string) (HeldAction, error) {
	var resp HeldAction
	err := c.do(ctx, http.MethodGet, c.projectPath("queue/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Approve releases a held action early and executes it.
func (c *Client) Approve(ctx context.Context, id string) (HeldAction, error) {
	var resp HeldAction
	err := c.do(ctx, http.MethodPost, c.projectPath("queue/"+url.PathEscape(id)+"/approve"), map[string]any{}, &resp)
	return resp, err
}

// Cancel rejects a held action.
func (c *Client) Cancel(ctx context.Context, id, reason string) (HeldAction, error) {
	var resp HeldAction
	err := c.do(ctx, http.MethodPost, c.projectPath("queue/"+url.PathEscape(id)+"/cancel"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ProcessQueue executes all due held actions.
func (c *Client) ProcessQueue(ctx context.Context) (ProcessReport, error) {
	var resp ProcessReport
	err := c.do(ctx, http.MethodPost, c.projectPath("queue/process"), map[string]any{}, &resp)
	return resp, err
}

// ListTrust returns trust graduation per action type.
func (c *Client) ListTrust(ctx context.Context) ([]TrustState, error) {
	var resp []TrustState
	err := c.do(ctx, http.MethodGet, c.projectPath("trust"), nil, &resp)
	return resp, err
}

// Budget returns the current spend counters.
func (c *Client) Budget(ctx context.Context) (BudgetStatus, error) {
	var resp BudgetStatus
	err := c.do(ctx, http.MethodGet, c.projectPath("budget"), nil, &resp)
	return resp, err
}

// RecordUsage records one incremental cost against the budget.
func (c *Client) RecordUsage(ctx context.Context, costUSD float64) (BudgetStatus, error) {
	var resp BudgetStatus
	err := c.do(ctx, http.MethodPost, c.projectPath("budget/usage"), map[string]any{"cost_usd": costUSD}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
