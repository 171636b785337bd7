// Package handoff assembles continuation documents and renders their two
// derived views: a short resumption brief for the successor instance and a
// long-form report for audit and human review. Every function here is pure
// with respect to the document; rendering never mutates it.
package handoff

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsugi/internal/budget"
	"github.com/ashita-ai/tsugi/internal/model"
)

// Progress is the caller-supplied state of the task at handoff time.
type Progress struct {
	PercentComplete float64
	Phase           string
	SubPhase        string
	Status          model.TaskStatus
	OriginalRequest string
	TaskDescription string

	Decisions    []model.Decision
	Rejected     []model.RejectedAlternative
	Completed    []model.WorkItem
	Todos        []model.TodoItem
	ToolStates   []model.ToolState
	Assumptions  []model.Assumption
	Constraints  []model.Constraint
	Dependencies []model.DependencyRef
	Errors       []model.ErrorRecord
	Quality      []model.QualityMetric
}

// BuildInput holds everything needed to assemble a document.
type BuildInput struct {
	TraceID   string
	TaskID    string
	SessionID string
	ProjectID string

	Source model.AgentDescriptor
	Target model.AgentDescriptor
	Budget budget.Summary

	Progress Progress

	// Now overrides the creation timestamp; zero means time.Now().
	Now time.Time
}

// Build assembles and validates a new document. The returned value has a fresh
// ID, the current schema version, and default-filled lists.
func Build(in BuildInput) (model.Handoff, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	status := in.Progress.Status
	if status == "" {
		status = model.TaskStatusInProgress
	}

	h := model.Handoff{
		SchemaVersion:   model.HandoffSchemaVersion,
		ID:              uuid.New(),
		TraceID:         in.TraceID,
		TaskID:          in.TaskID,
		SessionID:       in.SessionID,
		ProjectID:       in.ProjectID,
		CreatedAt:       now,
		Source:          cloneDescriptor(in.Source),
		Target:          cloneDescriptor(in.Target),
		Budget:          SummaryFromTracker(in.Budget),
		OriginalRequest: in.Progress.OriginalRequest,
		TaskDescription: in.Progress.TaskDescription,
		Progress: model.TaskProgress{
			PercentComplete: in.Progress.PercentComplete,
			Phase:           in.Progress.Phase,
			SubPhase:        in.Progress.SubPhase,
			Status:          status,
		},
		Decisions:    cloneSlice(in.Progress.Decisions),
		Rejected:     cloneSlice(in.Progress.Rejected),
		Completed:    cloneWorkItems(in.Progress.Completed),
		Todos:        cloneSlice(in.Progress.Todos),
		ToolStates:   cloneToolStates(in.Progress.ToolStates),
		Assumptions:  cloneSlice(in.Progress.Assumptions),
		Constraints:  cloneSlice(in.Progress.Constraints),
		Dependencies: cloneSlice(in.Progress.Dependencies),
		Errors:       cloneErrors(in.Progress.Errors),
		Quality:      cloneQuality(in.Progress.Quality),
	}
	for i := range h.Decisions {
		if h.Decisions[i].DecidedAt.IsZero() {
			h.Decisions[i].DecidedAt = now
		}
	}
	h.Normalize()

	if err := h.Validate(); err != nil {
		return model.Handoff{}, err
	}
	return h, nil
}

// SummaryFromTracker converts a tracker snapshot into the document's budget
// block. Overshoot past the limit is clamped to 100 percent.
func SummaryFromTracker(s budget.Summary) model.BudgetSummary {
	return model.BudgetSummary{
		InputUnits:     s.Input,
		OutputUnits:    s.Output,
		CachedUnits:    s.Cached,
		TotalUnits:     s.Total,
		UsagePercent:   min(max(s.UsagePercent, 0), 100),
		RemainingUnits: s.Remaining,
		Limit:          s.Limit,
		OperationCount: s.OperationCount,
	}
}

// TargetFor names the successor of source: same type and role, next version.
func TargetFor(source model.AgentDescriptor) model.AgentDescriptor {
	next := source.Version + 1
	return model.AgentDescriptor{
		AgentID:   InstanceID(source.AgentType, next),
		AgentType: source.AgentType,
		Role:      source.Role,
		Version:   next,
	}
}

// InstanceID is the canonical instance id for a type and version.
func InstanceID(agentType string, version int) string {
	return fmt.Sprintf("%s-v%d", agentType, version)
}

// cloneSlice copies caller-owned lists so later mutation by the caller cannot
// reach into a built document. Element types holding slices or pointers have
// their own deep-copy helpers below.
func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneDescriptor(d model.AgentDescriptor) model.AgentDescriptor {
	d.SpawnedAt = clonePtr(d.SpawnedAt)
	return d
}

func cloneWorkItems(s []model.WorkItem) []model.WorkItem {
	out := cloneSlice(s)
	for i := range out {
		out[i].Files = cloneSlice(out[i].Files)
		out[i].Achievements = cloneSlice(out[i].Achievements)
		out[i].CompletedAt = clonePtr(out[i].CompletedAt)
	}
	return out
}

func cloneToolStates(s []model.ToolState) []model.ToolState {
	out := cloneSlice(s)
	for i := range out {
		out[i].State = cloneSlice(out[i].State)
		out[i].CapturedAt = clonePtr(out[i].CapturedAt)
	}
	return out
}

func cloneErrors(s []model.ErrorRecord) []model.ErrorRecord {
	out := cloneSlice(s)
	for i := range out {
		out[i].OccurredAt = clonePtr(out[i].OccurredAt)
	}
	return out
}

func cloneQuality(s []model.QualityMetric) []model.QualityMetric {
	out := cloneSlice(s)
	for i := range out {
		out[i].Threshold = clonePtr(out[i].Threshold)
	}
	return out
}
