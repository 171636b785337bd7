package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsugi/internal/model"
)

const workflowColumns = `session_id, platform, workflow_type, phase, refinements, artifacts,
	steps_completed, steps_total, metadata, created_at, updated_at`

// UpsertWorkflowState replaces the snapshot for state.SessionID. CreatedAt is
// kept from the existing row; UpdatedAt is set to now. The returned value is
// exactly what a later GetWorkflowState yields.
//
// An audit event with a diff against the previous snapshot is appended after
// the write commits. Audit failures are logged and never undo the write.
func (db *DB) UpsertWorkflowState(ctx context.Context, state model.WorkflowState) (model.WorkflowState, error) {
	if state.SessionID == "" {
		return model.WorkflowState{}, errors.New("storage: upsert workflow state: session id is required")
	}
	normalizeWorkflowState(&state)

	var before *model.WorkflowState
	err := WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		var txErr error
		before, txErr = db.upsertWorkflowTx(ctx, &state)
		return txErr
	})
	if err != nil {
		return model.WorkflowState{}, err
	}

	eventType := model.AuditWorkflowUpdated
	if before == nil {
		eventType = model.AuditWorkflowCreated
	}
	db.auditBestEffort(ctx, model.AuditEvent{
		Scope:     model.AuditScopeWorkflow,
		SessionID: state.SessionID,
		SubjectID: state.WorkflowType,
		EventType: eventType,
		Summary:   model.WorkflowDiff(before, state),
	})
	return state, nil
}

func (db *DB) upsertWorkflowTx(ctx context.Context, state *model.WorkflowState) (*model.WorkflowState, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin upsert workflow state: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var before *model.WorkflowState
	prev, err := scanWorkflowState(tx.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflow_states WHERE session_id = $1 FOR UPDATE`,
		state.SessionID))
	switch {
	case err == nil:
		before = &prev
		state.CreatedAt = prev.CreatedAt
	case errors.Is(err, pgx.ErrNoRows):
		if state.CreatedAt.IsZero() {
			state.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
		}
	default:
		return nil, fmt.Errorf("storage: lock workflow state: %w", err)
	}
	state.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	refinements, artifacts, metadata, err := encodeWorkflowState(*state)
	if err != nil {
		return nil, err
	}
	// Hand back the decoded form of what is written, so metadata numbers come
	// back as float64 from both this call and GetWorkflowState.
	if err := decodeWorkflowJSON(state, refinements, artifacts, metadata); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO workflow_states (`+workflowColumns+`)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9::jsonb, $10, $11)
		 ON CONFLICT (session_id) DO UPDATE SET
		     platform = EXCLUDED.platform,
		     workflow_type = EXCLUDED.workflow_type,
		     phase = EXCLUDED.phase,
		     refinements = EXCLUDED.refinements,
		     artifacts = EXCLUDED.artifacts,
		     steps_completed = EXCLUDED.steps_completed,
		     steps_total = EXCLUDED.steps_total,
		     metadata = EXCLUDED.metadata,
		     updated_at = EXCLUDED.updated_at`,
		state.SessionID, state.Platform, state.WorkflowType, state.Phase, refinements, artifacts,
		state.StepsCompleted, state.StepsTotal, metadata, state.CreatedAt, state.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("storage: upsert workflow state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit workflow state: %w", err)
	}
	return before, nil
}

// GetWorkflowState returns the snapshot for sessionID.
func (db *DB) GetWorkflowState(ctx context.Context, sessionID string) (model.WorkflowState, error) {
	s, err := scanWorkflowState(db.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflow_states WHERE session_id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowState{}, fmt.Errorf("storage: workflow state %s: %w", sessionID, ErrNotFound)
		}
		return model.WorkflowState{}, fmt.Errorf("storage: get workflow state: %w", err)
	}
	return s, nil
}

// DeleteWorkflowState removes the snapshot for sessionID, typically on
// completion or cancellation.
func (db *DB) DeleteWorkflowState(ctx context.Context, sessionID string) error {
	var phase string
	err := db.pool.QueryRow(ctx,
		`DELETE FROM workflow_states WHERE session_id = $1 RETURNING phase`, sessionID,
	).Scan(&phase)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: workflow state %s: %w", sessionID, ErrNotFound)
		}
		return fmt.Errorf("storage: delete workflow state: %w", err)
	}

	db.auditBestEffort(ctx, model.AuditEvent{
		Scope:     model.AuditScopeWorkflow,
		SessionID: sessionID,
		EventType: model.AuditWorkflowDeleted,
		Summary:   map[string]any{"phase": phase},
	})
	return nil
}

// ListActiveSessions returns the session ids that have a snapshot, most
// recently updated first.
func (db *DB) ListActiveSessions(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT session_id FROM workflow_states ORDER BY updated_at DESC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage: list active sessions: %w", err)
	}
	return ids, nil
}

func normalizeWorkflowState(s *model.WorkflowState) {
	if s.Refinements == nil {
		s.Refinements = []model.Refinement{}
	}
	if s.Artifacts == nil {
		s.Artifacts = []model.Artifact{}
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.CreatedAt = s.CreatedAt.UTC().Truncate(time.Microsecond)
}

func encodeWorkflowState(s model.WorkflowState) (refinements, artifacts, metadata []byte, err error) {
	if refinements, err = json.Marshal(s.Refinements); err != nil {
		return nil, nil, nil, fmt.Errorf("storage: marshal refinements: %w", err)
	}
	if artifacts, err = json.Marshal(s.Artifacts); err != nil {
		return nil, nil, nil, fmt.Errorf("storage: marshal artifacts: %w", err)
	}
	if metadata, err = json.Marshal(s.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("storage: marshal workflow metadata: %w", err)
	}
	return refinements, artifacts, metadata, nil
}

func scanWorkflowState(row pgx.Row) (model.WorkflowState, error) {
	var s model.WorkflowState
	var refinements, artifacts, metadata []byte
	if err := row.Scan(
		&s.SessionID, &s.Platform, &s.WorkflowType, &s.Phase, &refinements, &artifacts,
		&s.StepsCompleted, &s.StepsTotal, &metadata, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return model.WorkflowState{}, err
	}
	if err := decodeWorkflowJSON(&s, refinements, artifacts, metadata); err != nil {
		return model.WorkflowState{}, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

// decodeWorkflowJSON replaces the JSON-backed fields of s with fresh values
// decoded from their column encodings. The previous slices and map are not
// written to.
func decodeWorkflowJSON(s *model.WorkflowState, refinements, artifacts, metadata []byte) error {
	s.Refinements, s.Artifacts, s.Metadata = nil, nil, nil
	if err := json.Unmarshal(refinements, &s.Refinements); err != nil {
		return fmt.Errorf("storage: unmarshal refinements: %w", err)
	}
	if err := json.Unmarshal(artifacts, &s.Artifacts); err != nil {
		return fmt.Errorf("storage: unmarshal artifacts: %w", err)
	}
	if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
		return fmt.Errorf("storage: unmarshal workflow metadata: %w", err)
	}
	normalizeWorkflowState(s)
	return nil
}
