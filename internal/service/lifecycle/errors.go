package lifecycle

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/tsugi/internal/budget"
)

var (
	// ErrBudgetExhausted is the control signal returned by RecordUsage the
	// first time an instance crosses its critical threshold. The caller is
	// expected to create a handoff instead of continuing.
	ErrBudgetExhausted = errors.New("lifecycle: budget exhausted")

	// ErrUnknownInstance is returned by operations that cannot degrade to a
	// no-op when the instance is not registered.
	ErrUnknownInstance = errors.New("lifecycle: unknown instance")

	// ErrInvalidTransition is returned when an operation would move an
	// instance backwards or skip a required state.
	ErrInvalidTransition = errors.New("lifecycle: invalid state transition")

	// ErrHandoffInProgress is returned when a second handoff is requested for
	// an instance while one is still being persisted.
	ErrHandoffInProgress = errors.New("lifecycle: handoff already in progress")
)

// BudgetExhaustedError carries the instance and its budget at the moment the
// critical threshold was crossed. It matches ErrBudgetExhausted with errors.Is.
type BudgetExhaustedError struct {
	InstanceID string
	Budget     budget.Summary
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("lifecycle: budget exhausted for %s (%d of %d units, %.1f%%)",
		e.InstanceID, e.Budget.Total, e.Budget.Limit, e.Budget.UsagePercent)
}

func (e *BudgetExhaustedError) Is(target error) bool {
	return target == ErrBudgetExhausted
}

func invalidTransition(id string, from, to State) error {
	return fmt.Errorf("%w: %s cannot go from %s to %s", ErrInvalidTransition, id, from, to)
}
