package handoff

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsugi/internal/budget"
	"github.com/ashita-ai/tsugi/internal/model"
)

func sampleInput() BuildInput {
	spawned := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	source := model.AgentDescriptor{
		AgentID:           "frontend-v1",
		AgentType:         "frontend",
		Role:              "ui",
		Version:           1,
		SpawnedAt:         &spawned,
		TerminationReason: model.TerminationBudgetExhausted,
	}
	return BuildInput{
		TraceID:   "trace-abc",
		TaskID:    "task-7",
		SessionID: "user-1",
		ProjectID: "proj-1",
		Source:    source,
		Target:    TargetFor(source),
		Budget: budget.Summary{
			Input: 800, Output: 100, Total: 900, UsagePercent: 90,
			Remaining: 100, Limit: 1000, OperationCount: 3,
		},
		Progress: Progress{
			PercentComplete: 60,
			Phase:           "build",
			SubPhase:        "routing",
			OriginalRequest: "Build a todo app",
			TaskDescription: "Implement the router",
			Decisions: []model.Decision{
				{Summary: "Use React Router", Rationale: "team familiarity", Confidence: 0.9},
			},
			Rejected: []model.RejectedAlternative{
				{Option: "Hand-rolled router", Reason: "maintenance cost"},
			},
			Completed: []model.WorkItem{
				{Summary: "Scaffolded app", Files: []string{"src/main.tsx"}},
			},
			Todos: []model.TodoItem{
				{Description: "Add 404 page", Priority: 4},
				{Description: "Wire routes", Priority: 1},
				{Description: "Write docs", Priority: 2, Status: model.TodoDone},
			},
			ToolStates: []model.ToolState{
				{Tool: "dev-server", State: json.RawMessage(`{"port":5173}`)},
			},
			Dependencies: []model.DependencyRef{
				{ID: "design-9", Direction: model.DependencyUpstream, Kind: "design"},
			},
		},
		Now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestBuild(t *testing.T) {
	h, err := Build(sampleInput())
	require.NoError(t, err)

	assert.Equal(t, model.HandoffSchemaVersion, h.SchemaVersion)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", h.ID.String())
	assert.Equal(t, "frontend-v2", h.Target.AgentID)
	assert.Equal(t, 2, h.Target.Version)
	assert.Equal(t, "frontend", h.Target.AgentType)
	assert.Equal(t, model.TaskStatusInProgress, h.Progress.Status)
	assert.Equal(t, int64(900), h.Budget.TotalUnits)

	// Defaults applied to caller lists.
	assert.Equal(t, 4, h.Todos[0].Priority)
	assert.Equal(t, model.TodoPending, h.Todos[0].Status)
	assert.Equal(t, time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), h.Decisions[0].DecidedAt)
	assert.NotNil(t, h.Errors)
}

func TestBuild_CopiesCallerLists(t *testing.T) {
	in := sampleInput()
	h, err := Build(in)
	require.NoError(t, err)

	in.Progress.Todos[0].Description = "mutated"
	assert.Equal(t, "Add 404 page", h.Todos[0].Description)
}

func TestBuild_CopiesNestedCallerData(t *testing.T) {
	in := sampleInput()
	threshold := 0.8
	in.Progress.Quality = []model.QualityMetric{{Name: "coverage", Value: 0.9, Threshold: &threshold, Passed: true}}
	in.Progress.ToolStates[0].State = json.RawMessage(`{"port": 5173}`)
	h, err := Build(in)
	require.NoError(t, err)

	in.Progress.Completed[0].Files[0] = "mutated.tsx"
	in.Progress.ToolStates[0].State[1] = 'X'
	threshold = 0.1
	*in.Source.SpawnedAt = time.Time{}

	assert.Equal(t, []string{"src/main.tsx"}, h.Completed[0].Files)
	assert.Equal(t, `{"port":5173}`, string(h.ToolStates[0].State))
	assert.Equal(t, 0.8, *h.Quality[0].Threshold)
	assert.Equal(t, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), *h.Source.SpawnedAt)
}

func TestBuild_Validation(t *testing.T) {
	in := sampleInput()
	in.Progress.PercentComplete = 140
	in.Progress.Decisions[0].Confidence = 3

	_, err := Build(in)
	require.ErrorIs(t, err, model.ErrInvalidHandoff)
	assert.Contains(t, err.Error(), "percent_complete")
	assert.Contains(t, err.Error(), "confidence")
}

func TestSummaryFromTracker_ClampsOvershoot(t *testing.T) {
	s := SummaryFromTracker(budget.Summary{Total: 1500, Limit: 1000, UsagePercent: 150})
	assert.Equal(t, 100.0, s.UsagePercent)
	assert.Equal(t, int64(1500), s.TotalUnits)
}

func TestTargetFor(t *testing.T) {
	target := TargetFor(model.AgentDescriptor{AgentType: "backend", Role: "api", Version: 4})
	assert.Equal(t, model.AgentDescriptor{AgentID: "backend-v5", AgentType: "backend", Role: "api", Version: 5}, target)
}

func TestBrief(t *testing.T) {
	h, err := Build(sampleInput())
	require.NoError(t, err)

	brief := Brief(h, BriefOptions{})
	assert.Contains(t, brief, "You are frontend-v2 (frontend, version 2), continuing work from frontend-v1.")
	assert.Contains(t, brief, "60% complete")
	assert.Contains(t, brief, "Use React Router")
	assert.Contains(t, brief, "Hand-rolled router")
	assert.NotContains(t, brief, "Write docs", "done items are not pending")

	// Highest priority first.
	assert.Less(t, strings.Index(brief, "Wire routes"), strings.Index(brief, "Add 404 page"))
	assert.Contains(t, brief, `Next step: start on "Wire routes".`)
}

func TestBrief_TruncatesTodos(t *testing.T) {
	h, err := Build(sampleInput())
	require.NoError(t, err)

	brief := Brief(h, BriefOptions{MaxTodos: 1})
	assert.Contains(t, brief, "Wire routes")
	assert.NotContains(t, brief, "Add 404 page")
	assert.Contains(t, brief, "...and 1 more.")
}

func TestBrief_IsPure(t *testing.T) {
	h, err := Build(sampleInput())
	require.NoError(t, err)
	assert.Equal(t, Brief(h, BriefOptions{}), Brief(h, BriefOptions{}))
	assert.Equal(t, Report(h), Report(h))
}

func TestBrief_NothingPending(t *testing.T) {
	in := sampleInput()
	in.Progress.Todos = nil
	h, err := Build(in)
	require.NoError(t, err)
	assert.Contains(t, Brief(h, BriefOptions{}), "verify the completed work")
}

func TestReport_AllSections(t *testing.T) {
	h, err := Build(sampleInput())
	require.NoError(t, err)

	report := Report(h)
	for i, title := range []string{
		"Identity", "Agents", "Budget", "Progress", "Request", "Decisions",
		"Rejected alternatives", "Completed work", "TODO", "Tool state",
		"Assumptions", "Constraints", "Dependencies", "Errors", "Quality metrics",
	} {
		assert.Contains(t, report, fmt.Sprintf("## %d. %s", i+1, title))
	}
	assert.Contains(t, report, `dev-server: {"port":5173}`)
	assert.Contains(t, report, "upstream design-9 (design)")
	assert.Contains(t, report, "terminated: budget_exhausted")
	assert.Contains(t, report, "(none)")
}

func TestWriteReport(t *testing.T) {
	h, err := Build(sampleInput())
	require.NoError(t, err)
	h.TraceID = "../escape"

	dir := t.TempDir()
	path, err := WriteReport(dir, h)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "___escape", h.ID.String()+".md"), path)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Report(h), string(content))
}
