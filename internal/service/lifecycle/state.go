package lifecycle

// State is an instance's position in the lifecycle.
type State string

const (
	StateInitializing    State = "initializing"
	StateActive          State = "active"
	StateWarning         State = "warning"
	StateCritical        State = "critical"
	StateHandoffPending  State = "handoff_pending"
	StateHandoffComplete State = "handoff_complete"
	StateTerminated      State = "terminated"
)

// transitions lists the forward edges. There are no backward edges.
var transitions = map[State][]State{
	StateInitializing:    {StateActive, StateTerminated},
	StateActive:          {StateWarning, StateCritical, StateHandoffPending, StateTerminated},
	StateWarning:         {StateCritical, StateHandoffPending, StateTerminated},
	StateCritical:        {StateHandoffPending, StateTerminated},
	StateHandoffPending:  {StateHandoffComplete, StateTerminated},
	StateHandoffComplete: {StateTerminated},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitional states are expected to be short-lived; the monitor reports
// instances that linger in them.
func (s State) transitional() bool {
	switch s {
	case StateInitializing, StateCritical, StateHandoffPending, StateHandoffComplete:
		return true
	default:
		return false
	}
}
