package tsugi

import (
	"github.com/ashita-ai/tsugi/internal/budget"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/service/handoff"
	"github.com/ashita-ai/tsugi/internal/service/lifecycle"
	"github.com/ashita-ai/tsugi/internal/storage"
)

// Budget accounting.
type (
	BudgetConfig  = budget.Config
	BudgetStatus  = budget.Status
	BudgetSummary = budget.Summary
	Usage         = budget.Usage
)

const (
	StatusOK       = budget.StatusOK
	StatusWarning  = budget.StatusWarning
	StatusCritical = budget.StatusCritical
)

// Lifecycle management.
type (
	State                = lifecycle.State
	Info                 = lifecycle.Info
	Callbacks            = lifecycle.Callbacks
	SpawnRequest         = lifecycle.SpawnRequest
	HandoffInput         = lifecycle.HandoffInput
	Progress             = handoff.Progress
	BriefOptions         = handoff.BriefOptions
	BudgetExhaustedError = lifecycle.BudgetExhaustedError
)

// Continuation documents and workflow state.
type (
	Handoff           = model.Handoff
	TerminationReason = model.TerminationReason
	WorkflowState     = model.WorkflowState
	AuditEvent        = model.AuditEvent
	HandoffFilter     = storage.HandoffFilter
)

// Sentinel errors callers match with errors.Is.
var (
	ErrBudgetExhausted   = lifecycle.ErrBudgetExhausted
	ErrUnknownInstance   = lifecycle.ErrUnknownInstance
	ErrInvalidTransition = lifecycle.ErrInvalidTransition
	ErrHandoffInProgress = lifecycle.ErrHandoffInProgress
	ErrInvalidHandoff    = model.ErrInvalidHandoff
	ErrNotFound          = storage.ErrNotFound
	ErrAlreadySuperseded = storage.ErrAlreadySuperseded
)
