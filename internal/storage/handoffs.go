package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsugi/internal/model"
)

const handoffColumns = `id, record_id, schema_version, trace_id, task_id, session_id, project_id,
	agent_type, agent_version, source_agent_id, target_agent_id, termination_reason,
	total_budget_units, usage_percent, completion_percent, phase, status,
	document, rendered_path, is_active, predecessor_id, successor_id,
	created_at, stored_at, updated_at`

// HandoffFilter narrows LatestHandoff. Empty fields match everything.
type HandoffFilter struct {
	SessionID string
	AgentType string // source agent type
	ProjectID string
}

// HandoffStats aggregates stored documents.
type HandoffStats struct {
	Count                int64   `json:"count"`
	AvgUsagePercent      float64 `json:"avg_usage_percent"`
	AvgCompletionPercent float64 `json:"avg_completion_percent"`
	BudgetExhausted      int64   `json:"budget_exhausted"`
}

// SaveHandoff persists a document. When predecessorID is set the predecessor
// is marked inactive and linked forward to the new document in the same
// transaction; either both writes are visible or neither is.
//
// Returns ErrNotFound if the predecessor does not exist and
// ErrAlreadySuperseded if it already has a successor.
func (db *DB) SaveHandoff(ctx context.Context, h model.Handoff, predecessorID *uuid.UUID) (model.Handoff, error) {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	if h.SchemaVersion == 0 {
		h.SchemaVersion = model.HandoffSchemaVersion
	}
	h.Normalize()

	blob, err := model.EncodeHandoff(h)
	if err != nil {
		return model.Handoff{}, fmt.Errorf("storage: save handoff: %w", err)
	}

	var saved model.Handoff
	err = WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		var txErr error
		saved, txErr = db.saveHandoffTx(ctx, h, blob, predecessorID)
		return txErr
	})
	if err != nil {
		return model.Handoff{}, err
	}
	return saved, nil
}

func (db *DB) saveHandoffTx(ctx context.Context, h model.Handoff, blob []byte, predecessorID *uuid.UUID) (model.Handoff, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Handoff{}, fmt.Errorf("storage: begin save handoff: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if predecessorID != nil {
		var successor *uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT successor_id FROM handoffs WHERE id = $1 FOR UPDATE`, *predecessorID,
		).Scan(&successor)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.Handoff{}, fmt.Errorf("storage: predecessor %s: %w", *predecessorID, ErrNotFound)
			}
			return model.Handoff{}, fmt.Errorf("storage: lock predecessor: %w", err)
		}
		if successor != nil {
			return model.Handoff{}, fmt.Errorf("storage: predecessor %s has successor %s: %w",
				*predecessorID, *successor, ErrAlreadySuperseded)
		}
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO handoffs (
		     id, schema_version, trace_id, task_id, session_id, project_id,
		     agent_type, agent_version, source_agent_id, target_agent_id, termination_reason,
		     total_budget_units, usage_percent, completion_percent, phase, status,
		     document, is_active, predecessor_id, created_at
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, true, $18, $19)
		 RETURNING record_id, stored_at, updated_at`,
		h.ID, h.SchemaVersion, h.TraceID, h.TaskID, h.SessionID, h.ProjectID,
		h.Source.AgentType, h.Source.Version, h.Source.AgentID, h.Target.AgentID, string(h.Source.TerminationReason),
		h.Budget.TotalUnits, h.Budget.UsagePercent, h.Progress.PercentComplete, h.Progress.Phase, string(h.Progress.Status),
		blob, predecessorID, h.CreatedAt,
	).Scan(&h.RecordID, &h.StoredAt, &h.UpdatedAt)
	if err != nil {
		return model.Handoff{}, fmt.Errorf("storage: insert handoff: %w", err)
	}

	if predecessorID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE handoffs SET is_active = false, successor_id = $2, updated_at = now() WHERE id = $1`,
			*predecessorID, h.ID,
		); err != nil {
			return model.Handoff{}, fmt.Errorf("storage: link predecessor: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Handoff{}, fmt.Errorf("storage: commit save handoff: %w", err)
	}

	h.StoredAt = h.StoredAt.UTC()
	h.UpdatedAt = h.UpdatedAt.UTC()
	h.Active = true
	h.PredecessorID = predecessorID
	h.SuccessorID = nil
	h.RenderedPath = nil
	return h, nil
}

// GetHandoff loads a document by id.
func (db *DB) GetHandoff(ctx context.Context, id uuid.UUID) (model.Handoff, error) {
	h, err := db.scanHandoff(db.pool.QueryRow(ctx,
		`SELECT `+handoffColumns+` FROM handoffs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Handoff{}, fmt.Errorf("storage: handoff %s: %w", id, ErrNotFound)
		}
		return model.Handoff{}, fmt.Errorf("storage: get handoff: %w", err)
	}
	return h, nil
}

// LatestHandoff returns the most recently created document matching filter.
func (db *DB) LatestHandoff(ctx context.Context, filter HandoffFilter) (model.Handoff, error) {
	where, args := handoffWhere(filter, 1)
	h, err := db.scanHandoff(db.pool.QueryRow(ctx,
		`SELECT `+handoffColumns+` FROM handoffs WHERE true`+where+
			` ORDER BY created_at DESC, record_id DESC LIMIT 1`, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Handoff{}, fmt.Errorf("storage: latest handoff: %w", ErrNotFound)
		}
		return model.Handoff{}, fmt.Errorf("storage: latest handoff: %w", err)
	}
	return h, nil
}

// HandoffChain returns every document sharing traceID, oldest first.
func (db *DB) HandoffChain(ctx context.Context, traceID string) ([]model.Handoff, error) {
	return db.queryHandoffs(ctx, "handoff chain",
		`SELECT `+handoffColumns+` FROM handoffs WHERE trace_id = $1 ORDER BY created_at ASC, record_id ASC`,
		traceID)
}

// HandoffHistory returns a session's documents, newest first.
func (db *DB) HandoffHistory(ctx context.Context, sessionID string, limit, offset int) ([]model.Handoff, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return db.queryHandoffs(ctx, "handoff history",
		`SELECT `+handoffColumns+` FROM handoffs WHERE session_id = $1
		 ORDER BY created_at DESC, record_id DESC LIMIT $2 OFFSET $3`,
		sessionID, limit, offset)
}

// DeactivateHandoff clears the active flag without linking a successor.
func (db *DB) DeactivateHandoff(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE handoffs SET is_active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: deactivate handoff: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: handoff %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetRenderedPath records where the long-form report was written.
func (db *DB) SetRenderedPath(ctx context.Context, id uuid.UUID, path string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE handoffs SET rendered_path = $2, updated_at = now() WHERE id = $1`, id, path)
	if err != nil {
		return fmt.Errorf("storage: set rendered path: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: handoff %s: %w", id, ErrNotFound)
	}
	return nil
}

// HandoffStatistics aggregates documents for one session, or all documents
// when sessionID is nil.
func (db *DB) HandoffStatistics(ctx context.Context, sessionID *string) (HandoffStats, error) {
	var s HandoffStats
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(AVG(usage_percent), 0),
		        COALESCE(AVG(completion_percent), 0),
		        COUNT(*) FILTER (WHERE termination_reason = $2)
		 FROM handoffs
		 WHERE ($1::text IS NULL OR session_id = $1)`,
		sessionID, string(model.TerminationBudgetExhausted),
	).Scan(&s.Count, &s.AvgUsagePercent, &s.AvgCompletionPercent, &s.BudgetExhausted)
	if err != nil {
		return HandoffStats{}, fmt.Errorf("storage: handoff statistics: %w", err)
	}
	return s, nil
}

// handoffWhere renders filter as AND clauses with placeholders starting at argOffset.
func handoffWhere(filter HandoffFilter, argOffset int) (string, []any) {
	var clause string
	var args []any
	if filter.SessionID != "" {
		clause += fmt.Sprintf(" AND session_id = $%d", argOffset)
		args = append(args, filter.SessionID)
		argOffset++
	}
	if filter.AgentType != "" {
		clause += fmt.Sprintf(" AND agent_type = $%d", argOffset)
		args = append(args, filter.AgentType)
		argOffset++
	}
	if filter.ProjectID != "" {
		clause += fmt.Sprintf(" AND project_id = $%d", argOffset)
		args = append(args, filter.ProjectID)
	}
	return clause, args
}

func (db *DB) queryHandoffs(ctx context.Context, op, query string, args ...any) ([]model.Handoff, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: %s: %w", op, err)
	}
	defer rows.Close()

	var out []model.Handoff
	for rows.Next() {
		h, err := db.scanHandoff(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan %s: %w", op, err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: %s: %w", op, err)
	}
	return out, nil
}

// handoffRow mirrors the handoffs table.
type handoffRow struct {
	id                uuid.UUID
	recordID          int64
	schemaVersion     int
	traceID           string
	taskID            string
	sessionID         string
	projectID         string
	agentType         string
	agentVersion      int
	sourceAgentID     string
	targetAgentID     string
	terminationReason string
	totalUnits        int64
	usagePercent      float64
	completionPercent float64
	phase             string
	status            string
	document          []byte
	renderedPath      *string
	active            bool
	predecessorID     *uuid.UUID
	successorID       *uuid.UUID
	createdAt         time.Time
	storedAt          time.Time
	updatedAt         time.Time
}

// scanHandoff reads one row. The document blob is authoritative; when it
// cannot be parsed the denormalised columns are used instead so one corrupt
// row never fails a whole listing.
func (db *DB) scanHandoff(row pgx.Row) (model.Handoff, error) {
	var r handoffRow
	if err := row.Scan(
		&r.id, &r.recordID, &r.schemaVersion, &r.traceID, &r.taskID, &r.sessionID, &r.projectID,
		&r.agentType, &r.agentVersion, &r.sourceAgentID, &r.targetAgentID, &r.terminationReason,
		&r.totalUnits, &r.usagePercent, &r.completionPercent, &r.phase, &r.status,
		&r.document, &r.renderedPath, &r.active, &r.predecessorID, &r.successorID,
		&r.createdAt, &r.storedAt, &r.updatedAt,
	); err != nil {
		return model.Handoff{}, err
	}

	h, err := model.DecodeHandoff(r.document)
	if err != nil {
		db.logger.Warn("storage: handoff document unreadable, using indexed columns",
			"handoff_id", r.id, "error", err)
		h = r.fallback()
	}

	h.ID = r.id
	h.RecordID = r.recordID
	h.RenderedPath = r.renderedPath
	h.Active = r.active
	h.PredecessorID = r.predecessorID
	h.SuccessorID = r.successorID
	h.StoredAt = r.storedAt.UTC()
	h.UpdatedAt = r.updatedAt.UTC()
	return h, nil
}

// fallback rebuilds what it can of a document from the indexed columns.
func (r handoffRow) fallback() model.Handoff {
	h := model.Handoff{
		SchemaVersion: r.schemaVersion,
		TraceID:       r.traceID,
		TaskID:        r.taskID,
		SessionID:     r.sessionID,
		ProjectID:     r.projectID,
		CreatedAt:     r.createdAt.UTC(),
		Source: model.AgentDescriptor{
			AgentID:           r.sourceAgentID,
			AgentType:         r.agentType,
			Version:           r.agentVersion,
			TerminationReason: model.TerminationReason(r.terminationReason),
		},
		Target: model.AgentDescriptor{
			AgentID:   r.targetAgentID,
			AgentType: r.agentType,
			Version:   r.agentVersion + 1,
		},
		Budget: model.BudgetSummary{
			TotalUnits:   r.totalUnits,
			UsagePercent: r.usagePercent,
		},
		Progress: model.TaskProgress{
			PercentComplete: r.completionPercent,
			Phase:           r.phase,
			Status:          model.TaskStatus(r.status),
		},
	}
	h.Normalize()
	return h
}
