package transition

import (
	"errors"
	"fmt"
	"iter"

	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// ErrLedgerInconsistent is returned when history cannot reproduce a status
var ErrLedgerInconsistent = errors.New("history ledger inconsistent")

// Replay walks the ledger entries of one cycle through the transition table and
// returns the status they lead to. A cycle without entries is still in draft.
func Replay(ops iter.Seq2[*entity.ApprovalOperation, error], cycle int) (workflow.State, error) {
	var state workflow.State

	for op, err := range ops {
		if err != nil {
			return "", err
		}
		if op.CycleCount != cycle {
			continue
		}

		if state == "" {
			if op.Action != workflow.ActionSubmit || !op.PreviousStatus.IsResubmittable() {
				return "", fmt.Errorf("%w: cycle %d starts with %s from %s", ErrLedgerInconsistent, cycle, op.Action, op.PreviousStatus)
			}
			state = op.PreviousStatus
		}

		if op.PreviousStatus != state {
			return "", fmt.Errorf("%w: operation %s expected %s, ledger is at %s", ErrLedgerInconsistent, op.ID, op.PreviousStatus, state)
		}

		target, err := workflow.TargetOf(state, op.Action)
		if err != nil {
			return "", fmt.Errorf("%w: operation %s: %v", ErrLedgerInconsistent, op.ID, err)
		}
		if target != op.ResultingStatus {
			return "", fmt.Errorf("%w: operation %s recorded %s, table gives %s", ErrLedgerInconsistent, op.ID, op.ResultingStatus, target)
		}
		state = target
	}

	if state == "" {
		return workflow.StateDraft, nil
	}
	return state, nil
}
