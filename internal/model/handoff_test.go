package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validHandoff() Handoff {
	return Handoff{
		SchemaVersion: HandoffSchemaVersion,
		ID:            uuid.New(),
		TraceID:       "trace-1",
		SessionID:     "session-1",
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Source:        AgentDescriptor{AgentID: "frontend-v1", AgentType: "frontend", Version: 1},
		Target:        AgentDescriptor{AgentID: "frontend-v2", AgentType: "frontend", Version: 2},
		Budget:        BudgetSummary{TotalUnits: 900, UsagePercent: 90, Limit: 1000},
		Progress:      TaskProgress{PercentComplete: 40, Phase: "build", Status: TaskStatusInProgress},
		Decisions: []Decision{
			{Summary: "Use server components", Rationale: "fewer round trips", Confidence: 0.8},
		},
		Todos: []TodoItem{
			{Description: "wire router", Priority: 2, Status: TodoPending},
		},
		Dependencies: []DependencyRef{
			{ID: "design-42", Direction: DependencyUpstream},
		},
	}
}

func TestHandoffValidate_OK(t *testing.T) {
	require.NoError(t, validHandoff().Validate())
}

func TestHandoffValidate_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Handoff)
		want   string
	}{
		{"percent above 100", func(h *Handoff) { h.Progress.PercentComplete = 101 }, "percent_complete"},
		{"negative percent", func(h *Handoff) { h.Progress.PercentComplete = -1 }, "percent_complete"},
		{"usage above 100", func(h *Handoff) { h.Budget.UsagePercent = 130 }, "usage_percent"},
		{"confidence above 1", func(h *Handoff) { h.Decisions[0].Confidence = 1.5 }, "confidence"},
		{"confidence below 0", func(h *Handoff) { h.Decisions[0].Confidence = -0.1 }, "confidence"},
		{"priority zero", func(h *Handoff) { h.Todos[0].Priority = 0 }, "priority"},
		{"bad direction", func(h *Handoff) { h.Dependencies[0].Direction = "sideways" }, "direction"},
		{"missing trace", func(h *Handoff) { h.TraceID = "" }, "trace_id"},
		{"invalid tool state", func(h *Handoff) {
			h.ToolStates = []ToolState{{Tool: "editor", State: json.RawMessage(`{broken`)}}
		}, "tool_states[0].state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := validHandoff()
			tt.mutate(&h)
			err := h.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidHandoff)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestHandoffValidate_ReportsAllViolations(t *testing.T) {
	h := validHandoff()
	h.Progress.PercentComplete = 200
	h.Decisions[0].Confidence = 2

	err := h.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "percent_complete")
	assert.Contains(t, err.Error(), "confidence")
}

func TestEncodeDecodeHandoff(t *testing.T) {
	h := validHandoff()
	h.ToolStates = []ToolState{{Tool: "shell", State: json.RawMessage(`{"cwd":"/src"}`)}}
	h.Normalize()

	blob, err := EncodeHandoff(h)
	require.NoError(t, err)

	got, err := DecodeHandoff(blob)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestNormalize_CompactsToolState(t *testing.T) {
	callerStates := []ToolState{{Tool: "dev-server", State: json.RawMessage("{\"port\": 5173,\n \"pid\": 42}")}}
	h := validHandoff()
	h.ToolStates = callerStates
	h.Normalize()

	assert.Equal(t, `{"port":5173,"pid":42}`, string(h.ToolStates[0].State))
	assert.Equal(t, "{\"port\": 5173,\n \"pid\": 42}", string(callerStates[0].State), "caller slice is not rewritten")

	blob, err := EncodeHandoff(h)
	require.NoError(t, err)
	got, err := DecodeHandoff(blob)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeHandoff_LegacyDefaults(t *testing.T) {
	// A version 1 document: no schema_version, no status fields, several lists absent.
	legacy := `{
		"id": "7f1d4c3e-2f7a-4c38-9a3b-6a4d1f0e2b11",
		"trace_id": "trace-old",
		"session_id": "s-old",
		"created_at": "2025-01-01T00:00:00Z",
		"source": {"agent_id": "backend-v3", "agent_type": "backend", "version": 3},
		"progress": {"percent_complete": 55, "phase": "impl"},
		"todos": [{"description": "finish migration"}],
		"dependencies": [{"id": "api-1"}]
	}`

	h, err := DecodeHandoff([]byte(legacy))
	require.NoError(t, err)

	assert.Equal(t, 1, h.SchemaVersion)
	assert.Equal(t, TaskStatusInProgress, h.Progress.Status)
	require.Len(t, h.Todos, 1)
	assert.Equal(t, PriorityDefault, h.Todos[0].Priority)
	assert.Equal(t, TodoPending, h.Todos[0].Status)
	assert.Equal(t, DependencyUpstream, h.Dependencies[0].Direction)
	assert.NotNil(t, h.Decisions)
	assert.NotNil(t, h.Quality)
	assert.Empty(t, h.Errors)
	assert.NoError(t, h.Validate())
}

func TestDecodeHandoff_UnknownFieldsIgnored(t *testing.T) {
	h, err := DecodeHandoff([]byte(`{"trace_id":"t","future_field":{"x":1},"source":{"agent_type":"a"}}`))
	require.NoError(t, err)
	assert.Equal(t, "t", h.TraceID)
}

func TestDecodeHandoff_Malformed(t *testing.T) {
	_, err := DecodeHandoff([]byte(`{"trace_id":`))
	require.Error(t, err)
}

func TestPendingTodos(t *testing.T) {
	h := Handoff{Todos: []TodoItem{
		{Description: "low", Priority: 5, Status: TodoPending},
		{Description: "done", Priority: 1, Status: TodoDone},
		{Description: "urgent-a", Priority: 1, Status: TodoInProgress},
		{Description: "mid", Priority: 3, Status: TodoBlocked},
		{Description: "urgent-b", Priority: 1, Status: TodoPending},
	}}

	got := h.PendingTodos()
	require.Len(t, got, 4)
	assert.Equal(t, "urgent-a", got[0].Description)
	assert.Equal(t, "urgent-b", got[1].Description)
	assert.Equal(t, "mid", got[2].Description)
	assert.Equal(t, "low", got[3].Description)
}
