package procedure

// State of a procedure, each procedure defines its own domain states between StateCreated and the terminal states.
type State string

const (
	StateCreated   State = "Created"
	StateCompleted State = "Completed"
	StateAborted   State = "Aborted"
)

// IsTerminal returns true for Completed and Aborted, no transition is possible from a terminal state.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateAborted:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	return string(s)
}
