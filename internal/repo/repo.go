package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"steward/internal/config"
	"steward/internal/domain"

	"gopkg.in/yaml.v3"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Kind, &p.Status, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,kind,status,description,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	items, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(items) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return items[0], nil
}

// --- project configs ---

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal project config: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	const query = `INSERT INTO project_configs(project_id,config_yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, projectID, string(data), now)
	} else {
		_, err = db.ExecContext(ctx, query, projectID, string(data), now)
	}
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM project_configs WHERE project_id=?`, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

// --- held actions ---

func (r Repo) InsertHeldAction(ctx context.Context, tx *sql.Tx, a domain.HeldAction) error {
	const query = `INSERT INTO held_actions
(id,project_id,action_type,payload_json,status,held_until,reason,error_text,decided_by,decided_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`
	args := []any{a.ID, a.ProjectID, a.ActionType, nullable(a.PayloadJSON), a.Status, a.HeldUntil,
		a.Reason, a.ErrorText, nullableStringPtr(a.DecidedBy), nullableStringPtr(a.DecidedAt), a.CreatedAt, a.UpdatedAt}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func scanHeldAction(scan func(dest ...any) error) (domain.HeldAction, error) {
	var a domain.HeldAction
	var payload, decidedBy, decidedAt sql.NullString
	err := scan(&a.ID, &a.ProjectID, &a.ActionType, &payload, &a.Status, &a.HeldUntil,
		&a.Reason, &a.ErrorText, &decidedBy, &decidedAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if payload.Valid {
		a.PayloadJSON = payload.String
	}
	if decidedBy.Valid {
		a.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	return a, nil
}

const heldActionColumns = `id,project_id,action_type,payload_json,status,held_until,reason,error_text,decided_by,decided_at,created_at,updated_at`

func (r Repo) GetHeldAction(ctx context.Context, projectID, id string) (domain.HeldAction, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+heldActionColumns+` FROM held_actions WHERE project_id=? AND id=?`, projectID, id)
	return scanHeldAction(row.Scan)
}

type HeldActionFilters struct {
	ProjectID  string
	Status     string
	ActionType string
	Limit      int
}

func (r Repo) ListHeldActions(ctx context.Context, f HeldActionFilters) ([]domain.HeldAction, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ActionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, f.ActionType)
	}
	query := `SELECT ` + heldActionColumns + ` FROM held_actions`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HeldAction
	for rows.Next() {
		a, err := scanHeldAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListDueHeldActions returns pending actions whose hold period has elapsed.
func (r Repo) ListDueHeldActions(ctx context.Context, now time.Time) ([]domain.HeldAction, error) {
	cutoff := now.UTC().Format(time.RFC3339)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+heldActionColumns+` FROM held_actions WHERE status=? AND held_until<=? ORDER BY held_until, id`,
		domain.HeldStatusPending, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HeldAction
	for rows.Next() {
		a, err := scanHeldAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ClaimHeldAction performs the atomic pending -> executing transition. It
// succeeds iff the row was still pending at the moment of the write; callers
// that get false lost the race and must treat it as a no-op.
func (r Repo) ClaimHeldAction(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.guardedTransition(ctx, id, domain.HeldStatusPending, domain.HeldStatusExecuting, now,
		`UPDATE held_actions SET status=?, updated_at=? WHERE id=? AND status=?`)
}

// MarkExecuted completes a claimed action: executing -> executed.
func (r Repo) MarkExecuted(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.guardedTransition(ctx, id, domain.HeldStatusExecuting, domain.HeldStatusExecuted, now,
		`UPDATE held_actions SET status=?, updated_at=? WHERE id=? AND status=?`)
}

// ReleaseToPending returns a claimed action to the queue after an executor
// failure, recording the error for the next sweep to see.
func (r Repo) ReleaseToPending(ctx context.Context, id, errorText string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE held_actions SET status=?, error_text=?, updated_at=? WHERE id=? AND status=?`,
		domain.HeldStatusPending, errorText, now.UTC().Format(time.RFC3339), id, domain.HeldStatusExecuting)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DecideHeldAction performs the atomic pending -> approved/cancelled
// transition driven by a human decision. Returns false when another path
// already decided the action.
func (r Repo) DecideHeldAction(ctx context.Context, id, newStatus, reason, decidedBy string, now time.Time) (bool, error) {
	if newStatus != domain.HeldStatusApproved && newStatus != domain.HeldStatusCancelled {
		return false, fmt.Errorf("invalid decision status %q", newStatus)
	}
	ts := now.UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx,
		`UPDATE held_actions SET status=?, reason=?, decided_by=?, decided_at=?, updated_at=? WHERE id=? AND status=?`,
		newStatus, reason, decidedBy, ts, ts, id, domain.HeldStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkApprovedExecuted completes the approved -> executed leg of an explicit
// approval.
func (r Repo) MarkApprovedExecuted(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.guardedTransition(ctx, id, domain.HeldStatusApproved, domain.HeldStatusExecuted, now,
		`UPDATE held_actions SET status=?, updated_at=? WHERE id=? AND status=?`)
}

// RecordHeldActionError stores executor failure detail without changing status.
func (r Repo) RecordHeldActionError(ctx context.Context, id, errorText string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE held_actions SET error_text=?, updated_at=? WHERE id=?`,
		errorText, now.UTC().Format(time.RFC3339), id)
	return err
}

func (r Repo) guardedTransition(ctx context.Context, id, from, to string, now time.Time, query string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, query, to, now.UTC().Format(time.RFC3339), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// PurgeDecidedBefore deletes decided (non-pending, non-executing) actions
// older than the cutoff. Retention only; live records are never touched.
func (r Repo) PurgeDecidedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM held_actions WHERE status IN (?,?) AND updated_at < ?`,
		domain.HeldStatusExecuted, domain.HeldStatusCancelled, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountHeldActionsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM held_actions WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- trust states ---

func (r Repo) GetTrustState(ctx context.Context, projectID, actionType string) (domain.TrustState, error) {
	var s domain.TrustState
	var last sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT project_id,action_type,tier,consecutive_approvals,consecutive_cancellations,last_decision_at
FROM trust_states WHERE project_id=? AND action_type=?`, projectID, actionType).
		Scan(&s.ProjectID, &s.ActionType, &s.Tier, &s.ConsecutiveApprovals, &s.ConsecutiveCancellations, &last)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if last.Valid {
		s.LastDecisionAt = last.String
	}
	return s, err
}

func (r Repo) UpsertTrustState(ctx context.Context, s domain.TrustState) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO trust_states(project_id,action_type,tier,consecutive_approvals,consecutive_cancellations,last_decision_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(project_id,action_type) DO UPDATE SET
  tier=excluded.tier,
  consecutive_approvals=excluded.consecutive_approvals,
  consecutive_cancellations=excluded.consecutive_cancellations,
  last_decision_at=excluded.last_decision_at`,
		s.ProjectID, s.ActionType, s.Tier, s.ConsecutiveApprovals, s.ConsecutiveCancellations, nullable(s.LastDecisionAt))
	return err
}

func (r Repo) ListTrustStates(ctx context.Context, projectID string) ([]domain.TrustState, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT project_id,action_type,tier,consecutive_approvals,consecutive_cancellations,COALESCE(last_decision_at,'')
FROM trust_states WHERE project_id=? ORDER BY action_type`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TrustState
	for rows.Next() {
		var s domain.TrustState
		if err := rows.Scan(&s.ProjectID, &s.ActionType, &s.Tier, &s.ConsecutiveApprovals, &s.ConsecutiveCancellations, &s.LastDecisionAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- budget counters ---

// AddSpend applies a pure-addition increment to one period counter. The
// upsert never reads the current value, so concurrent invocations recording
// overlapping periods cannot lose increments.
func (r Repo) AddSpend(ctx context.Context, projectID, kind, period string, delta float64) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO budget_counters(project_id,kind,period,spend_usd) VALUES (?,?,?,?)
ON CONFLICT(project_id,kind,period) DO UPDATE SET spend_usd = spend_usd + excluded.spend_usd`,
		projectID, kind, period, delta)
	return err
}

func (r Repo) GetSpend(ctx context.Context, projectID, kind, period string) (float64, error) {
	var spend float64
	err := r.DB.QueryRowContext(ctx,
		`SELECT spend_usd FROM budget_counters WHERE project_id=? AND kind=? AND period=?`,
		projectID, kind, period).Scan(&spend)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return spend, err
}

// --- events ---

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var projectID, entityID sql.NullString
	err := scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &e.Severity, &e.Summary, &e.Payload)
	if projectID.Valid {
		e.ProjectID = projectID.String
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	return e, err
}

const eventColumns = `id,ts,type,project_id,entity_kind,entity_id,actor_id,severity,summary,payload_json`

func (r Repo) ListEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE project_id=? ORDER BY id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with id greater than the cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE project_id=? AND id>? ORDER BY id LIMIT ?`, projectID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events WHERE project_id=?`, projectID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
