package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Severity levels for audit events.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Writer appends audit events to the events table. Pass a nil tx to append
// outside any transaction; the hold queue does this after state transitions
// commit, so an emission failure can never roll a transition back.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

type Entry struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Severity   string
	Summary    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const query = `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,severity,summary,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`
	args := []any{ts, e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), e.ActorID, e.Severity, e.Summary, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
