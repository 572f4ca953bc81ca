package workflow

import "fmt"

// Action is the closed set of operations that can move an approval record.
type Action string

const (
	ActionSubmit             Action = "submit"
	ActionApprove            Action = "approve"
	ActionReject             Action = "reject"
	ActionApproveWithChanges Action = "approve_with_changes"
	ActionReturnForRevision  Action = "return_for_revision"
	ActionForward            Action = "forward"
	ActionRequestInput       Action = "request_input"
	ActionWithdraw           Action = "withdraw"
	ActionDelegate           Action = "delegate"

	// ActionExpireInput is raised by the deadline scanner, never by an actor.
	ActionExpireInput Action = "input_deadline_expired"
)

// ActorActions lists every action a caller may request, in display order.
var ActorActions = []Action{
	ActionSubmit,
	ActionApprove,
	ActionReject,
	ActionApproveWithChanges,
	ActionReturnForRevision,
	ActionForward,
	ActionRequestInput,
	ActionWithdraw,
	ActionDelegate,
}

// String returns the string representation of the action
func (a Action) String() string {
	return string(a)
}

// IsSystem reports whether the action is engine-driven
func (a Action) IsSystem() bool {
	return a == ActionExpireInput
}

// IsValid returns true for actor actions and system actions
func (a Action) IsValid() bool {
	switch a {
	case ActionSubmit, ActionApprove, ActionReject, ActionApproveWithChanges,
		ActionReturnForRevision, ActionForward, ActionRequestInput, ActionWithdraw,
		ActionDelegate, ActionExpireInput:
		return true
	default:
		return false
	}
}

// ParseAction parses an action requested by a caller. System actions are rejected.
func ParseAction(raw string) (Action, error) {
	a := Action(raw)
	if !a.IsValid() || a.IsSystem() {
		return "", fmt.Errorf("%w: unknown action %q", ErrValidation, raw)
	}
	return a, nil
}
