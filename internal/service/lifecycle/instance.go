package lifecycle

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsugi/internal/budget"
	"github.com/ashita-ai/tsugi/internal/model"
)

// Info is a point-in-time copy of an instance, safe to hold after the
// instance changes or is removed.
type Info struct {
	ID         string         `json:"id"`
	AgentType  string         `json:"agent_type"`
	Role       string         `json:"role,omitempty"`
	Version    int            `json:"version"`
	SpawnedAt  time.Time      `json:"spawned_at"`
	State      State          `json:"state"`
	StateSince time.Time      `json:"state_since"`
	TraceID    string         `json:"trace_id"`
	TaskID     string         `json:"task_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	Budget     budget.Summary `json:"budget"`

	// PredecessorID is the handoff this instance was spawned from.
	PredecessorID *uuid.UUID `json:"predecessor_id,omitempty"`
	// LastHandoffID is the most recent handoff this instance produced.
	LastHandoffID *uuid.UUID `json:"last_handoff_id,omitempty"`
}

// instance is a live agent instance. Identity fields are immutable after
// spawn; everything under mu belongs to the manager.
type instance struct {
	id            string
	agentType     string
	role          string
	version       int
	spawnedAt     time.Time
	traceID       string
	taskID        string
	sessionID     string
	projectID     string
	predecessorID *uuid.UUID

	tracker *budget.Tracker

	mu            sync.Mutex
	state         State
	stateSince    time.Time
	staleReported bool
	handingOff    bool
	lastHandoff   *uuid.UUID
}

// transitionLocked moves the instance to next. Caller must hold mu.
func (inst *instance) transitionLocked(next State, now time.Time) error {
	if !canTransition(inst.state, next) {
		return invalidTransition(inst.id, inst.state, next)
	}
	inst.state = next
	inst.stateSince = now
	inst.staleReported = false
	return nil
}

func (inst *instance) transition(next State, now time.Time) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.transitionLocked(next, now)
}

func (inst *instance) currentState() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

func (inst *instance) info() Info {
	inst.mu.Lock()
	state, since, last := inst.state, inst.stateSince, inst.lastHandoff
	inst.mu.Unlock()

	return Info{
		ID:            inst.id,
		AgentType:     inst.agentType,
		Role:          inst.role,
		Version:       inst.version,
		SpawnedAt:     inst.spawnedAt,
		State:         state,
		StateSince:    since,
		TraceID:       inst.traceID,
		TaskID:        inst.taskID,
		SessionID:     inst.sessionID,
		ProjectID:     inst.projectID,
		Budget:        inst.tracker.Summary(),
		PredecessorID: inst.predecessorID,
		LastHandoffID: last,
	}
}

// descriptor is the value-object view of the instance recorded in handoffs.
func (inst *instance) descriptor(reason model.TerminationReason) model.AgentDescriptor {
	spawned := inst.spawnedAt
	return model.AgentDescriptor{
		AgentID:           inst.id,
		AgentType:         inst.agentType,
		Role:              inst.role,
		Version:           inst.version,
		SpawnedAt:         &spawned,
		TerminationReason: reason,
	}
}
