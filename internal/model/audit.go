package model

import "time"

// AuditScope partitions the append-only audit log.
type AuditScope string

const (
	AuditScopeWorkflow  AuditScope = "workflow"
	AuditScopeLifecycle AuditScope = "lifecycle"
)

// Audit event types.
const (
	AuditWorkflowCreated    = "workflow_created"
	AuditWorkflowUpdated    = "workflow_updated"
	AuditWorkflowDeleted    = "workflow_deleted"
	AuditInstanceSpawned    = "instance_spawned"
	AuditBudgetWarning      = "budget_warning"
	AuditBudgetCritical     = "budget_critical"
	AuditHandoffCreated     = "handoff_created"
	AuditHandoffFailed      = "handoff_failed"
	AuditInstanceTerminated = "instance_terminated"
)

// AuditEvent is an immutable audit record. Writes are best-effort: a failed
// audit insert never affects the operation it describes.
type AuditEvent struct {
	ID         int64          `json:"id"`
	Scope      AuditScope     `json:"scope"`
	SessionID  string         `json:"session_id"`
	SubjectID  string         `json:"subject_id,omitempty"`
	EventType  string         `json:"event_type"`
	Summary    map[string]any `json:"summary"`
	OccurredAt time.Time      `json:"occurred_at"`
}
