// Package permission decides which approval actions an actor may perform.
package permission

import (
	"fmt"

	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// ApproverChecker reports whether an id belongs to someone allowed to approve
type ApproverChecker interface {
	IsApprover(id string) bool
}

// Decision is the result of a permission check
type Decision struct {
	Allowed bool
	Reason  string
}

// Err converts a denied decision into an ErrPermissionDenied error
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", workflow.ErrPermissionDenied, d.Reason)
}

// Resolver computes permitted actions. It holds no mutable state and is safe
// for concurrent use.
type Resolver struct {
	elevated  map[string]struct{}
	approvers ApproverChecker
}

// NewResolver creates a resolver. Actors holding any of elevatedRoles bypass
// submitter and approver identity checks.
func NewResolver(elevatedRoles []string, approvers ApproverChecker) *Resolver {
	elevated := make(map[string]struct{}, len(elevatedRoles))
	for _, role := range elevatedRoles {
		if role != "" {
			elevated[role] = struct{}{}
		}
	}
	return &Resolver{
		elevated:  elevated,
		approvers: approvers,
	}
}

// IsElevated reports whether the actor holds an elevated administrative role
func (r *Resolver) IsElevated(actor *entity.Actor) bool {
	if actor == nil {
		return false
	}
	for _, role := range actor.Roles {
		if _, ok := r.elevated[role]; ok {
			return true
		}
	}
	return false
}

// Permitted returns the actions the actor may perform on rec, in canonical order.
// Only actions the transition table accepts from rec's status are listed.
// Delegate is listed when the actor could delegate to some valid target.
func (r *Resolver) Permitted(rec *entity.ApprovalRecord, actor *entity.Actor) []workflow.Action {
	out := make([]workflow.Action, 0, len(workflow.ActorActions))
	if rec == nil {
		return out
	}
	for _, action := range workflow.ActorActions {
		if workflow.CanApply(rec.Status, action) && r.Check(rec, actor, action, "").Allowed {
			out = append(out, action)
		}
	}
	return out
}

// Check decides a single action. delegateTo is only consulted for delegate; an
// empty target is left for payload validation.
func (r *Resolver) Check(rec *entity.ApprovalRecord, actor *entity.Actor, action workflow.Action, delegateTo string) Decision {
	if rec == nil || actor == nil || actor.ID == "" {
		return deny("an identified actor is required")
	}

	switch action {
	case workflow.ActionSubmit:
		if !rec.Status.IsResubmittable() {
			return deny("submit is not available in %s", rec.Status)
		}
		return r.ownerOrElevated(rec, actor, action)

	case workflow.ActionApprove,
		workflow.ActionReject,
		workflow.ActionApproveWithChanges,
		workflow.ActionReturnForRevision,
		workflow.ActionForward,
		workflow.ActionRequestInput:
		return r.approverOrElevated(rec, actor, action)

	case workflow.ActionWithdraw:
		if !rec.Status.IsActionable() {
			return deny("withdraw is not available in %s", rec.Status)
		}
		return r.ownerOrElevated(rec, actor, action)

	case workflow.ActionDelegate:
		if d := r.approverOrElevated(rec, actor, action); !d.Allowed {
			return d
		}
		return r.delegateTarget(rec, delegateTo)

	default:
		return deny("%s cannot be requested by an actor", action)
	}
}

func (r *Resolver) ownerOrElevated(rec *entity.ApprovalRecord, actor *entity.Actor, action workflow.Action) Decision {
	if sameID(actor.ID, rec.SubmittedBy) || r.IsElevated(actor) {
		return allow()
	}
	return deny("%s may only %s their own quote", actor.ID, action)
}

func (r *Resolver) approverOrElevated(rec *entity.ApprovalRecord, actor *entity.Actor, action workflow.Action) Decision {
	if !rec.Status.IsActionable() {
		return deny("%s is not available in %s", action, rec.Status)
	}
	if r.IsElevated(actor) {
		return allow()
	}
	if rec.CurrentApproverID != nil && sameID(actor.ID, *rec.CurrentApproverID) {
		return allow()
	}
	return deny("%s is not the current approver", actor.ID)
}

func (r *Resolver) delegateTarget(rec *entity.ApprovalRecord, target string) Decision {
	if target == "" {
		return allow()
	}
	if sameID(target, rec.Approver()) {
		return deny("%s is already the current approver", target)
	}
	if r.approvers != nil && !r.approvers.IsApprover(entity.CanonicalID(target)) {
		return deny("%s is not a valid approver", target)
	}
	return allow()
}

func sameID(a, b string) bool {
	return a != "" && entity.CanonicalID(a) == entity.CanonicalID(b)
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(format string, args ...interface{}) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}
