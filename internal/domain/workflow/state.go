package workflow

// State represents a status in the approval lifecycle of a quote
type State string

const (
	StateDraft               State = "draft"
	StatePending             State = "pending"
	StateAwaitingInput       State = "awaiting_input"
	StateApproved            State = "approved"
	StateRejected            State = "rejected"
	StateReturnedForRevision State = "returned_for_revision"
	StateWithdrawn           State = "withdrawn"

	// StateForwarded is never stored. A forward resolves straight back into
	// pending with a new approver; the state exists so history and channel
	// payloads can name it.
	StateForwarded State = "forwarded"
)

var validStates = map[State]bool{
	StateDraft:               true,
	StatePending:             true,
	StateAwaitingInput:       true,
	StateApproved:            true,
	StateRejected:            true,
	StateReturnedForRevision: true,
	StateWithdrawn:           true,
	StateForwarded:           true,
}

// AllStates lists the states a record can be stored in
func AllStates() []State {
	return []State{
		StateDraft,
		StatePending,
		StateAwaitingInput,
		StateApproved,
		StateRejected,
		StateReturnedForRevision,
		StateWithdrawn,
	}
}

var terminalStates = map[State]bool{
	StateApproved:  true,
	StateWithdrawn: true,
}

// resubmittableStates may re-enter pending through submit
var resubmittableStates = map[State]bool{
	StateDraft:               true,
	StateRejected:            true,
	StateReturnedForRevision: true,
}

// IsTerminal returns true if the state is a terminal state (no further transitions allowed)
func (s State) IsTerminal() bool {
	return terminalStates[s]
}

// IsActionable returns true while an approver is expected to act
func (s State) IsActionable() bool {
	return s == StatePending || s == StateAwaitingInput
}

// IsResubmittable returns true if submit is a legal next step
func (s State) IsResubmittable() bool {
	return resubmittableStates[s]
}

// IsResting returns true for states a record may be stored in
func (s State) IsResting() bool {
	return validStates[s] && s != StateForwarded
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a valid workflow state
func (s State) IsValid() bool {
	return validStates[s]
}

// ParseState converts a raw value into a resting State
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.IsResting() {
		return "", ErrInvalidState
	}
	return s, nil
}
