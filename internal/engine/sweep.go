package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"approvline/internal/domain"
	"approvline/internal/events"
	"approvline/internal/repo"
)

const sweepBatch = 200

type SweepResult struct {
	TimedOut  int `json:"timed_out"`
	Escalated int `json:"escalated"`
	// Skipped counts executions another writer resolved first.
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// SweepTimeouts times out every open execution whose deadline passed at now.
// Each execution is handled in its own transaction with the same
// compare-and-swap as a decision, so concurrent sweeps and late decisions
// never apply twice. One failing execution does not stop the sweep.
func (e Engine) SweepTimeouts(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	started := time.Now()
	defer func() { e.Metrics.SweepObserved(time.Since(started).Seconds()) }()
	cutoff := now.UTC().Format(time.RFC3339)
	batch := e.SweepBatch
	if batch <= 0 {
		batch = sweepBatch
	}
	// Pages move past every row they return, so executions that keep
	// failing never hide later ones.
	var after repo.DueExecution
	for {
		due, err := e.Repo.DueExecutions(ctx, cutoff, after, batch)
		if err != nil {
			return res, classify("sweep", "execution", "", err)
		}
		for _, d := range due {
			escalated, err := e.timeoutOne(ctx, d.ID, now)
			switch {
			case err == nil && escalated:
				res.TimedOut++
				res.Escalated++
			case err == nil:
				res.TimedOut++
			case err == errAlreadyResolved || IsConflict(err):
				res.Skipped++
			default:
				e.log().Warn("timeout sweep failed for execution", zap.String("execution_id", d.ID), zap.Error(err))
				res.Errors = append(res.Errors, d.ID+": "+err.Error())
			}
		}
		if len(due) < batch || ctx.Err() != nil {
			break
		}
		after = due[len(due)-1]
	}
	if res.TimedOut > 0 || len(res.Errors) > 0 {
		e.log().Info("timeout sweep done",
			zap.Int("timed_out", res.TimedOut), zap.Int("escalated", res.Escalated), zap.Int("errors", len(res.Errors)))
	}
	return res, nil
}

type sweepError string

func (e sweepError) Error() string { return string(e) }

const errAlreadyResolved = sweepError("execution already resolved")

func (e Engine) timeoutOne(ctx context.Context, executionID string, now time.Time) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	x, err := e.Repo.GetExecutionTx(ctx, tx, executionID)
	if err != nil {
		return false, err
	}
	inst, err := e.Repo.LockInstance(ctx, tx, x.InstanceID, domain.InstanceInProgress)
	if err != nil {
		return false, err
	}
	before := inst
	if x, err = e.Repo.GetExecutionTx(ctx, tx, executionID); err != nil {
		return false, err
	}
	cutoff := now.UTC().Format(time.RFC3339)
	if !x.Open() || x.Superseded || x.Round != inst.Round || x.TimeoutAt == nil || *x.TimeoutAt > cutoff {
		return false, errAlreadyResolved
	}
	step, ok := inst.Step(x.StepNumber)
	if !ok {
		return false, errStepMissing(inst.ID, x.StepNumber)
	}
	ts := e.ts()
	x.Status = domain.ExecTimeout
	x.UpdatedAt = ts
	x.CompletedAt = &ts

	if step.Escalation != nil && x.EscalatedFrom == nil {
		targets, err := e.resolveAssignees(ctx, tx, inst.CompanyID, *step.Escalation, false)
		if err == nil {
			if err := e.escalate(ctx, tx, &inst, x, step, targets[0], now); err != nil {
				return false, err
			}
			if err := tx.Commit(); err != nil {
				return false, err
			}
			e.Metrics.StepTimeout("escalate")
			return true, nil
		}
		if _, unresolvable := err.(unresolvableError); !unresolvable {
			return false, err
		}
		e.log().Warn("escalation target unresolvable, applying timeout action",
			zap.String("execution_id", x.ID), zap.Error(err))
	}

	action := step.TimeoutAction()
	if action == domain.TimeoutReject {
		x.Decision = domain.DecisionRejected
		x.DecidedBy = SystemActor
	}
	x.Notes = "timed out"
	if err := e.Repo.UpdateExecution(ctx, tx, &x, domain.ExecAssigned, domain.ExecInProgress); err != nil {
		return false, err
	}
	if err := e.emit(ctx, tx, events.StepTimedOut, inst, x.ID, SystemActor, events.EventPayload{
		"step_number": x.StepNumber,
		"round":       x.Round,
		"action":      action,
		"timeout_at":  *x.TimeoutAt,
	}); err != nil {
		return false, err
	}
	if err := e.advance(ctx, tx, &inst, step, domain.OutcomeExpired); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.Metrics.StepTimeout(action)
	e.finished(before, inst)
	return false, nil
}

// escalate supersedes the timed-out execution with a fresh one for the
// escalation target. The new execution is never escalated again.
func (e Engine) escalate(ctx context.Context, tx *sql.Tx, inst *domain.Instance, x domain.StepExecution, step domain.StepDefinition, target assignment, now time.Time) error {
	ts := e.ts()
	x.Superseded = true
	if err := e.Repo.UpdateExecution(ctx, tx, &x, domain.ExecAssigned, domain.ExecInProgress); err != nil {
		return err
	}
	next := domain.StepExecution{
		ID:            uuid.New().String(),
		InstanceID:    inst.ID,
		StepNumber:    x.StepNumber,
		Round:         x.Round,
		Status:        domain.ExecAssigned,
		AssigneeType:  target.Type,
		AssignedTo:    target.ID,
		AssigneeName:  target.Name,
		EscalatedFrom: &x.ID,
		TimeoutAt:     deadline(now, step.TimeoutHours),
		CreatedAt:     ts,
		UpdatedAt:     ts,
		Version:       1,
	}
	if err := e.Repo.InsertExecution(ctx, tx, next); err != nil {
		return err
	}
	ra := domain.Reassignment{
		ID:                uuid.New().String(),
		ExecutionID:       x.ID,
		TargetExecutionID: next.ID,
		FromType:          x.AssigneeType,
		FromID:            x.AssignedTo,
		ToType:            target.Type,
		ToID:              target.ID,
		Reason:            "timeout",
		Kind:              domain.ReassignEscalation,
		ActorID:           SystemActor,
		CreatedAt:         ts,
	}
	if err := e.Repo.InsertReassignment(ctx, tx, ra); err != nil {
		return err
	}
	if err := e.emit(ctx, tx, events.StepTimedOut, *inst, x.ID, SystemActor, events.EventPayload{
		"step_number": x.StepNumber,
		"round":       x.Round,
		"action":      "escalate",
	}); err != nil {
		return err
	}
	if err := e.emit(ctx, tx, events.StepEscalated, *inst, next.ID, SystemActor, events.EventPayload{
		"step_number":    next.StepNumber,
		"escalated_from": x.ID,
		"assignee_type":  next.AssigneeType,
		"assigned_to":    next.AssignedTo,
	}); err != nil {
		return err
	}
	inst.UpdatedAt = ts
	return e.Repo.UpdateInstance(ctx, tx, inst)
}
