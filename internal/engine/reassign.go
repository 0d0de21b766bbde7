package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"approvline/internal/domain"
	"approvline/internal/engine/auth"
	"approvline/internal/events"
)

type ReassignInput struct {
	ExecutionID string
	To          domain.Assignee
	Reason      string
	Actor       Actor
}

// Reassign hands an open execution to another user or role. The change is
// made in place and recorded in the reassignment trail.
func (e Engine) Reassign(ctx context.Context, in ReassignInput) (domain.StepExecution, error) {
	op := "reassign"
	if err := validActor(in.Actor); err != nil {
		return domain.StepExecution{}, err
	}
	if strings.TrimSpace(in.To.ID) == "" {
		return domain.StepExecution{}, invalid("assignee_id", "new assignee is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepExecution{}, classify(op, "execution", in.ExecutionID, err)
	}
	defer tx.Rollback()
	x, inst, err := e.lockFor(ctx, tx, op, in.ExecutionID, in.Actor, domain.InstanceInProgress)
	if err != nil {
		return x, err
	}
	if (x.Status != domain.ExecAssigned && x.Status != domain.ExecInProgress) || x.Superseded {
		e.Metrics.Conflict()
		return x, conflict("execution %s is %s and cannot be reassigned", x.ID, x.Status)
	}
	if x.AssigneeType == in.To.Type && x.AssignedTo == in.To.ID {
		return x, invalid("assignee_id", "execution %s is already assigned to %s %s", x.ID, in.To.Type, in.To.ID)
	}
	allowed, err := e.canReassign(ctx, tx, inst, x, in.Actor)
	if err != nil {
		return x, classify(op, "execution", x.ID, err)
	}
	if !allowed {
		return x, UnauthorizedError{ActorID: in.Actor.UserID, Action: "reassign execution " + x.ID, Permission: auth.PermReassign}
	}
	targets, err := e.resolveAssignees(ctx, tx, inst.CompanyID, in.To, false)
	if err != nil {
		if ue, ok := err.(unresolvableError); ok {
			return x, invalid("assignee_id", "%s", ue.reason)
		}
		return x, classify(op, "execution", x.ID, err)
	}
	target := targets[0]
	ts := e.ts()
	ra := domain.Reassignment{
		ID:          uuid.New().String(),
		ExecutionID: x.ID,
		FromType:    x.AssigneeType,
		FromID:      x.AssignedTo,
		ToType:      target.Type,
		ToID:        target.ID,
		Reason:      strings.TrimSpace(in.Reason),
		Kind:        domain.ReassignManual,
		ActorID:     in.Actor.UserID,
		CreatedAt:   ts,
	}
	x.AssigneeType = target.Type
	x.AssignedTo = target.ID
	x.AssigneeName = target.Name
	x.Status = domain.ExecAssigned
	x.StartedAt = nil
	x.UpdatedAt = ts
	if err := e.Repo.UpdateExecution(ctx, tx, &x, domain.ExecAssigned, domain.ExecInProgress); err != nil {
		return x, classify(op, "execution", x.ID, err)
	}
	if err := e.Repo.InsertReassignment(ctx, tx, ra); err != nil {
		return x, classify(op, "execution", x.ID, err)
	}
	if err := e.emit(ctx, tx, events.StepReassigned, inst, x.ID, in.Actor.UserID, events.EventPayload{
		"reassignment_id": ra.ID,
		"from_type":       ra.FromType,
		"from_id":         ra.FromID,
		"to_type":         ra.ToType,
		"to_id":           ra.ToID,
		"reason":          ra.Reason,
	}); err != nil {
		return x, classify(op, "execution", x.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return x, classify(op, "execution", x.ID, err)
	}
	return x, nil
}

func (e Engine) canReassign(ctx context.Context, tx *sql.Tx, inst domain.Instance, x domain.StepExecution, actor Actor) (bool, error) {
	if x.AssigneeType == domain.AssigneeUser && x.AssignedTo == actor.UserID {
		return true, nil
	}
	ok, err := e.hasPermission(ctx, tx, actor, auth.PermReassign)
	if err != nil || ok {
		return ok, err
	}
	return e.canAct(ctx, tx, inst, x, actor)
}
