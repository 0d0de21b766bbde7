package engine

import (
	"context"

	"approvline/internal/domain"
	"approvline/internal/events"
)

// StartExecution moves an assigned execution to in_progress. On a role queue
// this is a claim: the execution is reassigned to the claiming user so other
// holders no longer see it as theirs.
func (e Engine) StartExecution(ctx context.Context, executionID string, actor Actor) (domain.StepExecution, error) {
	op := "start"
	if err := validActor(actor); err != nil {
		return domain.StepExecution{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepExecution{}, classify(op, "execution", executionID, err)
	}
	defer tx.Rollback()
	x, inst, err := e.lockFor(ctx, tx, op, executionID, actor, domain.InstanceInProgress)
	if err != nil {
		return x, err
	}
	if x.Status != domain.ExecAssigned || x.Superseded {
		e.Metrics.Conflict()
		return x, conflict("execution %s is %s, not assigned", x.ID, x.Status)
	}
	ok, err := e.canAct(ctx, tx, inst, x, actor)
	if err != nil {
		return x, classify(op, "execution", x.ID, err)
	}
	if !ok {
		return x, UnauthorizedError{ActorID: actor.UserID, Action: "start execution " + x.ID}
	}
	claimed := false
	if x.AssigneeType == domain.AssigneeRole {
		u, err := e.Auth.User(ctx, tx, actor.UserID)
		if err != nil {
			return x, classify(op, "user", actor.UserID, err)
		}
		claimed = true
		x.AssigneeType = domain.AssigneeUser
		x.AssignedTo = u.ID
		x.AssigneeName = u.Name
	}
	ts := e.ts()
	x.Status = domain.ExecInProgress
	x.StartedAt = &ts
	x.UpdatedAt = ts
	if err := e.Repo.UpdateExecution(ctx, tx, &x, domain.ExecAssigned); err != nil {
		return x, classify(op, "execution", x.ID, err)
	}
	if err := e.emit(ctx, tx, events.StepStarted, inst, x.ID, actor.UserID, events.EventPayload{
		"step_number": x.StepNumber,
		"claimed":     claimed,
		"assigned_to": x.AssignedTo,
	}); err != nil {
		return x, classify(op, "execution", x.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return x, classify(op, "execution", x.ID, err)
	}
	return x, nil
}
