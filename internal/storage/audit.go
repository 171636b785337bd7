package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/tsugi/internal/model"
)

// InsertAuditEvent appends an audit event. The target table is immutable.
func (db *DB) InsertAuditEvent(ctx context.Context, e model.AuditEvent) error {
	if e.Summary == nil {
		e.Summary = map[string]any{}
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	summaryJSON, err := json.Marshal(e.Summary)
	if err != nil {
		return fmt.Errorf("storage: marshal audit summary: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO audit_log (scope, session_id, subject_id, event_type, summary, occurred_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		string(e.Scope), e.SessionID, e.SubjectID, e.EventType, summaryJSON, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns a session's audit trail, newest first.
func (db *DB) ListAuditEvents(ctx context.Context, sessionID string, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, scope, session_id, subject_id, event_type, summary, occurred_at
		 FROM audit_log WHERE session_id = $1
		 ORDER BY occurred_at DESC, id DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var (
			e           model.AuditEvent
			scope       string
			summaryJSON []byte
		)
		if err := rows.Scan(&e.ID, &scope, &e.SessionID, &e.SubjectID, &e.EventType, &summaryJSON, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		if err := json.Unmarshal(summaryJSON, &e.Summary); err != nil {
			return nil, fmt.Errorf("storage: unmarshal audit summary: %w", err)
		}
		e.Scope = model.AuditScope(scope)
		e.OccurredAt = e.OccurredAt.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list audit events: %w", err)
	}
	return events, nil
}

// auditBestEffort records e and logs instead of failing. Used after a state
// write has already committed.
func (db *DB) auditBestEffort(ctx context.Context, e model.AuditEvent) {
	if err := db.InsertAuditEvent(ctx, e); err != nil {
		db.logger.Warn("storage: audit event not recorded",
			"event_type", e.EventType, "session_id", e.SessionID, "error", err)
	}
}
