package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

type stubApprovers map[string]bool

func (s stubApprovers) IsApprover(id string) bool {
	return s[id]
}

func newResolver() *Resolver {
	return NewResolver([]string{"admin"}, stubApprovers{"bob": true, "carol": true})
}

func record(status workflow.State, approver string) *entity.ApprovalRecord {
	rec := entity.NewDraftRecord("Q-7", "alice", []entity.Channel{entity.ChannelInternal}, time.Now().UTC())
	rec.Status = status
	if approver != "" {
		rec.CurrentApproverID = entity.StringPtr(approver)
	}
	return rec
}

func TestCheck_Submit(t *testing.T) {
	r := newResolver()

	assert.True(t, r.Check(record(workflow.StateDraft, ""), &entity.Actor{ID: "alice"}, workflow.ActionSubmit, "").Allowed)
	assert.True(t, r.Check(record(workflow.StateRejected, ""), &entity.Actor{ID: "alice"}, workflow.ActionSubmit, "").Allowed)

	d := r.Check(record(workflow.StateDraft, ""), &entity.Actor{ID: "mallory"}, workflow.ActionSubmit, "")
	assert.False(t, d.Allowed)
	assert.ErrorIs(t, d.Err(), workflow.ErrPermissionDenied)

	assert.True(t, r.Check(record(workflow.StateDraft, ""), &entity.Actor{ID: "root", Roles: []string{"admin"}}, workflow.ActionSubmit, "").Allowed)
	assert.False(t, r.Check(record(workflow.StatePending, "bob"), &entity.Actor{ID: "alice"}, workflow.ActionSubmit, "").Allowed)
}

func TestCheck_DecisionsRequireCurrentApprover(t *testing.T) {
	r := newResolver()
	decisions := []workflow.Action{
		workflow.ActionApprove,
		workflow.ActionReject,
		workflow.ActionApproveWithChanges,
		workflow.ActionReturnForRevision,
		workflow.ActionForward,
		workflow.ActionRequestInput,
	}

	for _, status := range []workflow.State{workflow.StatePending, workflow.StateAwaitingInput} {
		for _, action := range decisions {
			rec := record(status, "bob")
			assert.True(t, r.Check(rec, &entity.Actor{ID: "bob"}, action, "").Allowed, "%s in %s", action, status)
			assert.False(t, r.Check(rec, &entity.Actor{ID: "alice"}, action, "").Allowed, "%s in %s", action, status)
			assert.True(t, r.Check(rec, &entity.Actor{ID: "root", Roles: []string{"admin"}}, action, "").Allowed)
		}
	}

	assert.False(t, r.Check(record(workflow.StateApproved, ""), &entity.Actor{ID: "root", Roles: []string{"admin"}}, workflow.ActionApprove, "").Allowed)
}

func TestCheck_Withdraw(t *testing.T) {
	r := newResolver()
	rec := record(workflow.StatePending, "bob")

	assert.True(t, r.Check(rec, &entity.Actor{ID: "alice"}, workflow.ActionWithdraw, "").Allowed)
	assert.False(t, r.Check(rec, &entity.Actor{ID: "bob"}, workflow.ActionWithdraw, "").Allowed)
	assert.False(t, r.Check(record(workflow.StateDraft, ""), &entity.Actor{ID: "alice"}, workflow.ActionWithdraw, "").Allowed)
}

func TestCheck_DelegateTarget(t *testing.T) {
	r := newResolver()
	rec := record(workflow.StatePending, "bob")
	bob := &entity.Actor{ID: "bob"}

	assert.True(t, r.Check(rec, bob, workflow.ActionDelegate, "carol").Allowed)
	assert.False(t, r.Check(rec, bob, workflow.ActionDelegate, "bob").Allowed, "same as current")
	assert.False(t, r.Check(rec, bob, workflow.ActionDelegate, "eve").Allowed, "not in directory")
	assert.True(t, r.Check(rec, bob, workflow.ActionDelegate, "").Allowed, "missing target is a payload error")
	assert.False(t, r.Check(rec, &entity.Actor{ID: "alice"}, workflow.ActionDelegate, "carol").Allowed)
}

func TestCheck_RejectsAnonymousAndSystemActions(t *testing.T) {
	r := newResolver()
	rec := record(workflow.StateAwaitingInput, "bob")

	assert.False(t, r.Check(rec, nil, workflow.ActionApprove, "").Allowed)
	assert.False(t, r.Check(rec, &entity.Actor{}, workflow.ActionApprove, "").Allowed)
	assert.False(t, r.Check(rec, &entity.Actor{ID: "root", Roles: []string{"admin"}}, workflow.ActionExpireInput, "").Allowed)
}

func TestCheck_CanonicalizesIdentifiers(t *testing.T) {
	r := newResolver()
	// "é" precomposed vs. "e" followed by a combining acute accent
	rec := record(workflow.StatePending, "jos\u00e9")

	assert.True(t, r.Check(rec, &entity.Actor{ID: "jose\u0301"}, workflow.ActionApprove, "").Allowed)
}

func TestPermitted(t *testing.T) {
	r := newResolver()

	assert.Equal(t,
		[]workflow.Action{workflow.ActionSubmit},
		r.Permitted(record(workflow.StateDraft, ""), &entity.Actor{ID: "alice"}))

	assert.Equal(t,
		[]workflow.Action{workflow.ActionWithdraw},
		r.Permitted(record(workflow.StatePending, "bob"), &entity.Actor{ID: "alice"}))

	got := r.Permitted(record(workflow.StatePending, "bob"), &entity.Actor{ID: "bob"})
	assert.NotContains(t, got, workflow.ActionWithdraw)
	assert.Contains(t, got, workflow.ActionDelegate)
	assert.Contains(t, got, workflow.ActionApprove)

	assert.Empty(t, r.Permitted(record(workflow.StateApproved, ""), &entity.Actor{ID: "root", Roles: []string{"admin"}}))
	assert.False(t, r.IsElevated(&entity.Actor{ID: "x", Roles: []string{"viewer"}}))
}

func TestPermitted_OnlyLegalTransitions(t *testing.T) {
	r := newResolver()
	actors := []*entity.Actor{
		{ID: "alice"},
		{ID: "bob"},
		{ID: "root", Roles: []string{"admin"}},
	}
	states := []workflow.State{
		workflow.StateDraft,
		workflow.StatePending,
		workflow.StateAwaitingInput,
		workflow.StateApproved,
		workflow.StateRejected,
		workflow.StateReturnedForRevision,
		workflow.StateWithdrawn,
	}

	for _, status := range states {
		for _, actor := range actors {
			for _, action := range r.Permitted(record(status, "bob"), actor) {
				assert.True(t, workflow.CanApply(status, action), "%s offered %s in %s", actor.ID, action, status)
			}
		}
	}

	got := r.Permitted(record(workflow.StateAwaitingInput, "bob"), &entity.Actor{ID: "bob"})
	assert.NotContains(t, got, workflow.ActionRequestInput)
	assert.Contains(t, got, workflow.ActionApprove)
	assert.Contains(t, r.Permitted(record(workflow.StatePending, "bob"), &entity.Actor{ID: "bob"}), workflow.ActionRequestInput)
}
