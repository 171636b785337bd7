package model

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// HandoffSchemaVersion is the current version of the serialized Handoff blob.
// Evolution is additive-only: new fields must decode to a sensible zero or be
// filled by applyDefaults for documents written by older versions.
const HandoffSchemaVersion = 2

// ErrInvalidHandoff wraps every field-level validation failure.
var ErrInvalidHandoff = errors.New("model: invalid handoff")

// TerminationReason records why an agent instance stopped.
type TerminationReason string

const (
	TerminationBudgetExhausted TerminationReason = "budget_exhausted"
	TerminationTaskComplete    TerminationReason = "task_complete"
	TerminationError           TerminationReason = "error"
	TerminationManual          TerminationReason = "manual"
	TerminationTimeout         TerminationReason = "timeout"
)

// TaskStatus is the coarse status of the task at handoff time.
type TaskStatus string

const (
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusComplete   TaskStatus = "complete"
)

// TodoStatus tracks an individual TODO item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoBlocked    TodoStatus = "blocked"
	TodoDone       TodoStatus = "done"
)

// DependencyDirection says whether a dependency feeds into this task or
// consumes its output.
type DependencyDirection string

const (
	DependencyUpstream   DependencyDirection = "upstream"
	DependencyDownstream DependencyDirection = "downstream"
)

// Priority bounds. 1 is the most urgent.
const (
	PriorityHighest = 1
	PriorityDefault = 3
	PriorityLowest  = 5
)

// AgentDescriptor is a value copy of an instance's identity. The instance it
// describes may no longer exist.
type AgentDescriptor struct {
	AgentID           string            `json:"agent_id"`
	AgentType         string            `json:"agent_type"`
	Role              string            `json:"role,omitempty"`
	Version           int               `json:"version"`
	SpawnedAt         *time.Time        `json:"spawned_at,omitempty"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
}

// BudgetSummary captures the source instance's consumption at handoff time.
type BudgetSummary struct {
	InputUnits     int64   `json:"input_units"`
	OutputUnits    int64   `json:"output_units"`
	CachedUnits    int64   `json:"cached_units"`
	TotalUnits     int64   `json:"total_units"`
	UsagePercent   float64 `json:"usage_percent"`
	RemainingUnits int64   `json:"remaining_units"`
	Limit          int64   `json:"limit"`
	OperationCount int     `json:"operation_count"`
}

// TaskProgress summarizes how far the task has come.
type TaskProgress struct {
	PercentComplete float64    `json:"percent_complete"`
	Phase           string     `json:"phase"`
	SubPhase        string     `json:"sub_phase,omitempty"`
	Status          TaskStatus `json:"status"`
}

// Decision is a choice the source instance made that successors must not
// re-litigate.
type Decision struct {
	Summary    string    `json:"summary"`
	Rationale  string    `json:"rationale"`
	Confidence float64   `json:"confidence"`
	Category   string    `json:"category,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// RejectedAlternative is an option that was considered and ruled out.
type RejectedAlternative struct {
	Option   string `json:"option"`
	Reason   string `json:"reason"`
	Decision string `json:"decision,omitempty"` // summary of the decision it lost to
}

// WorkItem is a completed unit of work.
type WorkItem struct {
	Summary      string     `json:"summary"`
	Files        []string   `json:"files,omitempty"`
	Achievements []string   `json:"achievements,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// TodoItem is remaining work. Lower Priority values are more urgent.
type TodoItem struct {
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	Status      TodoStatus `json:"status"`
	Notes       string     `json:"notes,omitempty"`
}

// ToolState is an opaque blob of tool or session state the successor may need
// to restore.
type ToolState struct {
	Tool       string          `json:"tool"`
	State      json.RawMessage `json:"state,omitempty"`
	CapturedAt *time.Time      `json:"captured_at,omitempty"`
}

// Assumption is something taken as true without verification.
type Assumption struct {
	Statement string `json:"statement"`
	Verified  bool   `json:"verified"`
}

// Constraint is a hard limit on how the task may be done.
type Constraint struct {
	Description string `json:"description"`
	Source      string `json:"source,omitempty"`
}

// DependencyRef points at another task or artifact by id only.
type DependencyRef struct {
	ID          string              `json:"id"`
	Kind        string              `json:"kind,omitempty"`
	Direction   DependencyDirection `json:"direction"`
	Description string              `json:"description,omitempty"`
}

// ErrorRecord is a failure encountered during the task.
type ErrorRecord struct {
	Message     string     `json:"message"`
	Operation   string     `json:"operation,omitempty"`
	Recoverable bool       `json:"recoverable"`
	OccurredAt  *time.Time `json:"occurred_at,omitempty"`
}

// QualityMetric is a validation or quality measurement.
type QualityMetric struct {
	Name      string   `json:"name"`
	Value     float64  `json:"value"`
	Threshold *float64 `json:"threshold,omitempty"`
	Passed    bool     `json:"passed"`
}

// Handoff is a continuation document: a self-contained snapshot a successor
// instance resumes from.
//
// Everything above the "store-assigned" block is immutable once persisted.
type Handoff struct {
	SchemaVersion int       `json:"schema_version"`
	ID            uuid.UUID `json:"id"`
	TraceID       string    `json:"trace_id"`
	TaskID        string    `json:"task_id,omitempty"`
	SessionID     string    `json:"session_id"`
	ProjectID     string    `json:"project_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`

	Source AgentDescriptor `json:"source"`
	Target AgentDescriptor `json:"target"`

	Budget   BudgetSummary `json:"budget"`
	Progress TaskProgress  `json:"progress"`

	OriginalRequest string `json:"original_request,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`

	Decisions    []Decision            `json:"decisions"`
	Rejected     []RejectedAlternative `json:"rejected_alternatives"`
	Completed    []WorkItem            `json:"work_completed"`
	Todos        []TodoItem            `json:"todos"`
	ToolStates   []ToolState           `json:"tool_states"`
	Assumptions  []Assumption          `json:"assumptions"`
	Constraints  []Constraint          `json:"constraints"`
	Dependencies []DependencyRef       `json:"dependencies"`
	Errors       []ErrorRecord         `json:"errors"`
	Quality      []QualityMetric       `json:"quality_metrics"`

	// Store-assigned. Never part of the serialized blob.
	RecordID      int64      `json:"-"`
	RenderedPath  *string    `json:"-"`
	StoredAt      time.Time  `json:"-"`
	UpdatedAt     time.Time  `json:"-"`
	Active        bool       `json:"-"`
	PredecessorID *uuid.UUID `json:"-"`
	SuccessorID   *uuid.UUID `json:"-"`
}

// PendingTodos returns TODO items that are not done, most urgent first.
// Items with equal priority keep their original order.
func (h Handoff) PendingTodos() []TodoItem {
	var out []TodoItem
	for _, t := range h.Todos {
		if t.Status != TodoDone {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, func(a, b TodoItem) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	return out
}

// Validate checks field-level bounds. All violations are reported together.
func (h Handoff) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if h.TraceID == "" {
		add("trace_id is required")
	}
	if h.Source.AgentType == "" {
		add("source.agent_type is required")
	}
	if !inPercentRange(h.Progress.PercentComplete) {
		add("progress.percent_complete %.2f out of range [0, 100]", h.Progress.PercentComplete)
	}
	if !inPercentRange(h.Budget.UsagePercent) {
		add("budget.usage_percent %.2f out of range [0, 100]", h.Budget.UsagePercent)
	}
	for i, d := range h.Decisions {
		if d.Summary == "" {
			add("decisions[%d].summary is required", i)
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			add("decisions[%d].confidence %.2f out of range [0, 1]", i, d.Confidence)
		}
	}
	for i, r := range h.Rejected {
		if r.Option == "" {
			add("rejected_alternatives[%d].option is required", i)
		}
	}
	for i, t := range h.Todos {
		if t.Description == "" {
			add("todos[%d].description is required", i)
		}
		if t.Priority < PriorityHighest || t.Priority > PriorityLowest {
			add("todos[%d].priority %d out of range [%d, %d]", i, t.Priority, PriorityHighest, PriorityLowest)
		}
	}
	for i, ts := range h.ToolStates {
		if ts.Tool == "" {
			add("tool_states[%d].tool is required", i)
		}
		if len(ts.State) > 0 && !json.Valid(ts.State) {
			add("tool_states[%d].state is not valid JSON", i)
		}
	}
	for i, d := range h.Dependencies {
		if d.ID == "" {
			add("dependencies[%d].id is required", i)
		}
		if d.Direction != DependencyUpstream && d.Direction != DependencyDownstream {
			add("dependencies[%d].direction %q must be upstream or downstream", i, d.Direction)
		}
	}
	for i, e := range h.Errors {
		if e.Message == "" {
			add("errors[%d].message is required", i)
		}
	}
	for i, q := range h.Quality {
		if q.Name == "" {
			add("quality_metrics[%d].name is required", i)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidHandoff, errors.Join(errs...))
}

func inPercentRange(v float64) bool {
	return v >= 0 && v <= 100
}

// EncodeHandoff serializes the immutable part of a handoff.
func EncodeHandoff(h Handoff) ([]byte, error) {
	if h.SchemaVersion == 0 {
		h.SchemaVersion = HandoffSchemaVersion
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("model: encode handoff: %w", err)
	}
	return b, nil
}

// DecodeHandoff parses a serialized handoff written by any schema version.
// Fields absent from older documents get their documented defaults:
// schema_version 1, todo priority 3, todo status pending, non-nil lists.
// Only syntactically invalid JSON produces an error.
func DecodeHandoff(blob []byte) (Handoff, error) {
	var h Handoff
	if err := json.Unmarshal(blob, &h); err != nil {
		return Handoff{}, fmt.Errorf("model: decode handoff: %w", err)
	}
	h.Normalize()
	return h, nil
}

// applyDefaults fills fields that older schema versions did not write.
func (h *Handoff) applyDefaults() {
	if h.SchemaVersion == 0 {
		// Version 1 documents predate the schema_version field.
		h.SchemaVersion = 1
	}
	if h.Progress.Status == "" {
		h.Progress.Status = TaskStatusInProgress
	}
	for i := range h.Todos {
		if h.Todos[i].Priority == 0 {
			h.Todos[i].Priority = PriorityDefault
		}
		if h.Todos[i].Status == "" {
			h.Todos[i].Status = TodoPending
		}
	}
	for i := range h.Dependencies {
		if h.Dependencies[i].Direction == "" {
			h.Dependencies[i].Direction = DependencyUpstream
		}
	}
	h.Decisions = nonNil(h.Decisions)
	h.Rejected = nonNil(h.Rejected)
	h.Completed = nonNil(h.Completed)
	h.Todos = nonNil(h.Todos)
	h.ToolStates = nonNil(h.ToolStates)
	h.Assumptions = nonNil(h.Assumptions)
	h.Constraints = nonNil(h.Constraints)
	h.Dependencies = nonNil(h.Dependencies)
	h.Errors = nonNil(h.Errors)
	h.Quality = nonNil(h.Quality)
}

// Normalize applies the same defaults DecodeHandoff does and compacts opaque
// tool state, so a freshly built document compares equal to its stored and
// reloaded form. Tool states are copied before compaction.
func (h *Handoff) Normalize() {
	h.applyDefaults()
	if len(h.ToolStates) == 0 {
		return
	}
	states := make([]ToolState, len(h.ToolStates))
	copy(states, h.ToolStates)
	for i := range states {
		states[i].State = compactRaw(states[i].State)
	}
	h.ToolStates = states
}

// compactRaw returns raw without insignificant whitespace, matching what
// json.Marshal writes for a json.RawMessage. Invalid JSON is returned as is
// and rejected by the encoder.
func compactRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
