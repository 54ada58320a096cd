package sandbox

// State is a panel's observed lifecycle state.
type State string

const (
	StateAbsent    State = "absent"
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateDestroyed State = "destroyed"
)

// ValidTransition checks whether a state transition is allowed.
func ValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	if to == StateDestroyed {
		return true
	}
	if to == StateAbsent {
		return from == StateDestroyed
	}
	switch from {
	case StateAbsent, StateDestroyed:
		return to == StateCreated
	case StateCreated:
		return to == StateRunning
	case StateRunning:
		return to == StateStopped
	case StateStopped:
		return to == StateRunning
	default:
		return false
	}
}
