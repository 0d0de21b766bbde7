package engine

import (
	"context"
	"strings"

	"approvline/internal/domain"
	"approvline/internal/engine/auth"
	"approvline/internal/events"
)

// Cancel stops an active instance for good. Open executions are skipped. A
// decision committed first makes the cancel fail with a ConflictError and the
// other way round.
func (e Engine) Cancel(ctx context.Context, instanceID, reason string, actor Actor) (domain.Instance, error) {
	op := "cancel"
	if err := validActor(actor); err != nil {
		return domain.Instance{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, classify(op, "instance", instanceID, err)
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetInstanceTx(ctx, tx, instanceID)
	if err != nil || cur.CompanyID != actor.CompanyID {
		return domain.Instance{}, classify(op, "instance", instanceID, orNotFound(err))
	}
	if cur.TriggeredBy != actor.UserID {
		if err := e.requirePermission(ctx, tx, actor, "cancel instance "+instanceID, auth.PermInstanceCancel); err != nil {
			return cur, err
		}
	}
	inst, err := e.Repo.LockInstance(ctx, tx, instanceID, domain.InstancePending, domain.InstanceInProgress)
	if err != nil {
		if IsConflict(err) {
			e.Metrics.Conflict()
			return cur, conflict("instance %s is %s and cannot be cancelled", instanceID, cur.Status)
		}
		return cur, classify(op, "instance", instanceID, err)
	}
	before := inst
	if err := e.closeOpen(ctx, tx, &inst, 0, "instance cancelled"); err != nil {
		return inst, classify(op, "instance", instanceID, err)
	}
	ts := e.ts()
	inst.Status = domain.InstanceCancelled
	inst.CancelledAt = &ts
	inst.UpdatedAt = ts
	if err := e.Repo.UpdateInstance(ctx, tx, &inst); err != nil {
		return inst, classify(op, "instance", instanceID, err)
	}
	if err := e.emit(ctx, tx, events.InstanceCancelled, inst, "", actor.UserID, events.EventPayload{
		"reason":      strings.TrimSpace(reason),
		"step_number": inst.CurrentStepNumber,
	}); err != nil {
		return inst, classify(op, "instance", instanceID, err)
	}
	if err := tx.Commit(); err != nil {
		return inst, classify(op, "instance", instanceID, err)
	}
	e.finished(before, inst)
	return inst, nil
}
