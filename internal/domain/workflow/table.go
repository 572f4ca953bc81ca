package workflow

import "context"

// openStateActions behave identically from pending and awaiting_input
var openStateActions = []struct {
	action Action
	to     State
}{
	{ActionApprove, StateApproved},
	{ActionReject, StateRejected},
	{ActionApproveWithChanges, StateApproved},
	{ActionReturnForRevision, StateReturnedForRevision},
	{ActionForward, StatePending},
	{ActionWithdraw, StateWithdrawn},
}

// ConfigureApproval registers the approval transition table on a builder.
// expired guards the system deadline transition; nil leaves it unguarded.
func ConfigureApproval(b StateMachineBuilder, expired GuardFunc) {
	b.Configure(StateDraft).
		Permit(ActionSubmit, StatePending)

	b.Configure(StateRejected).
		Permit(ActionSubmit, StatePending)

	b.Configure(StateReturnedForRevision).
		Permit(ActionSubmit, StatePending)

	pending := b.Configure(StatePending)
	awaiting := b.Configure(StateAwaitingInput)
	for _, d := range openStateActions {
		pending.Permit(d.action, d.to)
		awaiting.Permit(d.action, d.to)
	}

	pending.
		Permit(ActionRequestInput, StateAwaitingInput).
		PermitReentry(ActionDelegate)

	awaiting.
		PermitReentry(ActionDelegate).
		PermitIf(ActionExpireInput, StatePending, expired)

	// approved and withdrawn are terminal and configure nothing
}

// NewApprovalMachine builds the approval state machine positioned at initial.
func NewApprovalMachine(initial State, expired GuardFunc) StateMachine {
	b := NewBuilder()
	ConfigureApproval(b, expired)
	return b.Build(initial)
}

var staticTable = func() StateMachineBuilder {
	b := NewBuilder()
	ConfigureApproval(b, nil)
	return b
}()

// CanApply reports whether action is legal from state, ignoring guards.
func CanApply(state State, action Action) bool {
	if !state.IsResting() {
		return false
	}
	return staticTable.Build(state).CanFire(action)
}

// TargetOf returns the unguarded destination of action from state.
func TargetOf(state State, action Action) (State, error) {
	if !state.IsResting() {
		return "", ErrInvalidState
	}
	return staticTable.Build(state).Target(context.Background(), action)
}

// AvailableActions lists the actor actions legal from state.
func AvailableActions(state State) []Action {
	if !state.IsResting() {
		return []Action{}
	}
	return staticTable.Build(state).PermittedActions()
}
