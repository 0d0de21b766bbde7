package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"approvline/internal/condition"
	"approvline/internal/domain"
	"approvline/internal/events"
)

type stepOutcome int

const (
	stepWaiting stepOutcome = iota
	stepPassed
	stepRejected
	stepFailed
)

// activateFrom walks the instance forward from step number from. Steps that
// resolve on activation (skipped, auto-approved, notification, condition)
// fall through to the next one; the walk stops at the first step that waits
// for a person or when the instance reaches a terminal status.
func (e Engine) activateFrom(ctx context.Context, tx *sql.Tx, in *domain.Instance, from int) error {
	for n := from; ; n++ {
		step, ok := in.Step(n)
		if !ok {
			return e.complete(ctx, tx, in, domain.OutcomeApproved)
		}
		in.CurrentStepNumber = n
		in.Status = domain.InstanceInProgress
		res, reason, err := e.activateStep(ctx, tx, in, step)
		if err != nil {
			return err
		}
		switch res {
		case stepWaiting:
			in.UpdatedAt = e.ts()
			if err := e.Repo.UpdateInstance(ctx, tx, in); err != nil {
				return err
			}
			return e.emit(ctx, tx, events.InstanceAdvanced, *in, "", SystemActor, events.EventPayload{
				"step_number": n,
				"step_name":   step.Name,
				"round":       in.Round,
			})
		case stepRejected:
			if step.Required() {
				return e.complete(ctx, tx, in, domain.OutcomeRejected)
			}
		case stepFailed:
			return e.failInstance(ctx, tx, in, reason)
		}
	}
}

// activateStep creates the executions of one step and reports whether the
// step already resolved.
func (e Engine) activateStep(ctx context.Context, tx *sql.Tx, in *domain.Instance, step domain.StepDefinition) (stepOutcome, string, error) {
	now := e.now()
	ts := e.ts()
	newExec := func(status string, a assignment) domain.StepExecution {
		x := domain.StepExecution{
			ID:           uuid.New().String(),
			InstanceID:   in.ID,
			StepNumber:   step.StepNumber,
			Round:        in.Round,
			Status:       status,
			AssigneeType: a.Type,
			AssignedTo:   a.ID,
			AssigneeName: a.Name,
			CreatedAt:    ts,
			UpdatedAt:    ts,
			Version:      1,
		}
		if !x.Open() {
			x.CompletedAt = &ts
		}
		return x
	}
	declared := assignment{Type: step.AssigneeType, ID: step.AssigneeID}
	if declared.Type == "" {
		declared = assignment{Type: domain.AssigneeUser, ID: SystemActor}
	}
	write := func(x domain.StepExecution, evtType string, payload events.EventPayload) error {
		if err := e.Repo.InsertExecution(ctx, tx, x); err != nil {
			return err
		}
		payload["step_number"] = x.StepNumber
		payload["round"] = x.Round
		return e.emit(ctx, tx, evtType, *in, x.ID, SystemActor, payload)
	}

	if step.StepType == domain.StepCondition {
		x := newExec(domain.ExecCompleted, declared)
		x.DecidedBy = SystemActor
		x.Decision = domain.DecisionRejected
		evt := events.StepRejected
		out := stepRejected
		if condition.Matches(step.Conditions, in.EntityType, in.Snapshot) {
			x.Decision = domain.DecisionApproved
			evt = events.StepApproved
			out = stepPassed
		}
		return out, "", write(x, evt, events.EventPayload{"decision": x.Decision, "reason": "condition"})
	}

	if !step.Conditions.IsZero() && !condition.Matches(step.Conditions, in.EntityType, in.Snapshot) {
		x := newExec(domain.ExecSkipped, declared)
		x.Notes = "step conditions not met"
		return stepPassed, "", write(x, events.StepSkipped, events.EventPayload{"reason": "conditions"})
	}

	if step.AutoApprove && step.Human() {
		x := newExec(domain.ExecCompleted, declared)
		x.Decision = domain.DecisionApproved
		x.DecidedBy = SystemActor
		x.Notes = "auto-approved"
		return stepPassed, "", write(x, events.StepApproved, events.EventPayload{"decision": x.Decision, "auto": true})
	}

	targets, err := e.resolveAssignees(ctx, tx, in.CompanyID,
		domain.Assignee{Type: step.AssigneeType, ID: step.AssigneeID}, step.AllowParallel || step.StepType == domain.StepNotification)
	var ue unresolvableError
	if errors.As(err, &ue) {
		x := newExec(domain.ExecFailed, declared)
		x.Notes = ue.reason
		e.log().Warn("step assignee unresolvable",
			zap.String("instance_id", in.ID), zap.Int("step_number", step.StepNumber), zap.String("reason", ue.reason))
		return stepFailed, ue.reason, write(x, events.StepFailed, events.EventPayload{"reason": ue.reason})
	}
	if err != nil {
		return stepWaiting, "", err
	}

	if step.StepType == domain.StepNotification {
		for _, t := range targets {
			x := newExec(domain.ExecCompleted, t)
			if err := write(x, events.StepNotified, events.EventPayload{"assignee_type": t.Type, "assigned_to": t.ID}); err != nil {
				return stepWaiting, "", err
			}
		}
		return stepPassed, "", nil
	}

	timeoutAt := deadline(now, step.TimeoutHours)
	for _, t := range targets {
		x := newExec(domain.ExecAssigned, t)
		x.TimeoutAt = timeoutAt
		payload := events.EventPayload{"assignee_type": t.Type, "assigned_to": t.ID, "step_name": step.Name}
		if timeoutAt != nil {
			payload["timeout_at"] = *timeoutAt
		}
		if err := write(x, events.StepAssigned, payload); err != nil {
			return stepWaiting, "", err
		}
	}
	return stepWaiting, "", nil
}

// advance is called after an execution of step reached a terminal status. It
// resolves the step once its quorum is known and moves the instance on.
// rejectOutcome is the instance outcome if a rejection ends the workflow.
func (e Engine) advance(ctx context.Context, tx *sql.Tx, in *domain.Instance, step domain.StepDefinition, rejectOutcome string) error {
	execs, err := e.Repo.StepExecutions(ctx, tx, in.ID, in.Round, step.StepNumber)
	if err != nil {
		return err
	}
	res := tally(step, execs)
	if res == stepWaiting {
		in.UpdatedAt = e.ts()
		return e.Repo.UpdateInstance(ctx, tx, in)
	}
	if err := e.closeOpen(ctx, tx, in, step.StepNumber, "step resolved"); err != nil {
		return err
	}
	if res == stepRejected && step.Required() {
		return e.complete(ctx, tx, in, rejectOutcome)
	}
	return e.activateFrom(ctx, tx, in, step.StepNumber+1)
}

// tally resolves a step from its executions. Superseded executions do not
// vote. A required step waits for every sibling and is vetoed by any
// rejection; only non-required parallel steps apply their policy, and a
// policy that can no longer be met counts as a rejection. Timeouts without a
// decision abstain.
func tally(step domain.StepDefinition, execs []domain.StepExecution) stepOutcome {
	var approved, rejected, open, total int
	for _, x := range execs {
		if x.Superseded {
			continue
		}
		total++
		switch {
		case x.Open():
			open++
		case x.Decision == domain.DecisionApproved:
			approved++
		case x.Decision == domain.DecisionRejected:
			rejected++
		}
	}
	if total == 0 {
		return stepPassed
	}
	if rejected > 0 && step.Required() {
		return stepRejected
	}
	policy := step.Policy()
	if !step.AllowParallel || step.Required() {
		policy = domain.ParallelAll
	}
	switch policy {
	case domain.ParallelAny:
		switch {
		case approved > 0:
			return stepPassed
		case open > 0:
			return stepWaiting
		case rejected > 0:
			return stepRejected
		}
		return stepPassed
	case domain.ParallelMajority:
		need := total/2 + 1
		switch {
		case approved >= need:
			return stepPassed
		case approved+open < need:
			return stepRejected
		case open > 0:
			return stepWaiting
		}
		return stepPassed
	default:
		switch {
		case rejected > 0:
			return stepRejected
		case open > 0:
			return stepWaiting
		}
		return stepPassed
	}
}

// complete ends the instance with outcome and skips whatever is still open.
func (e Engine) complete(ctx context.Context, tx *sql.Tx, in *domain.Instance, outcome string) error {
	if err := e.closeOpen(ctx, tx, in, 0, "instance completed"); err != nil {
		return err
	}
	ts := e.ts()
	in.Status = domain.InstanceCompleted
	in.Outcome = outcome
	in.CompletedAt = &ts
	in.UpdatedAt = ts
	if err := e.Repo.UpdateInstance(ctx, tx, in); err != nil {
		return err
	}
	return e.emit(ctx, tx, events.InstanceCompleted, *in, "", SystemActor, events.EventPayload{
		"outcome":     outcome,
		"step_number": in.CurrentStepNumber,
		"round":       in.Round,
	})
}

func (e Engine) failInstance(ctx context.Context, tx *sql.Tx, in *domain.Instance, reason string) error {
	if err := e.closeOpen(ctx, tx, in, 0, "instance failed"); err != nil {
		return err
	}
	in.Status = domain.InstanceFailed
	in.UpdatedAt = e.ts()
	if err := e.Repo.UpdateInstance(ctx, tx, in); err != nil {
		return err
	}
	return e.emit(ctx, tx, events.InstanceFailed, *in, "", SystemActor, events.EventPayload{
		"reason":      reason,
		"step_number": in.CurrentStepNumber,
	})
}

// closeOpen skips the open executions of the current round, limited to one
// step when step > 0.
func (e Engine) closeOpen(ctx context.Context, tx *sql.Tx, in *domain.Instance, step int, reason string) error {
	execs, err := e.Repo.ListExecutions(ctx, tx, in.ID, in.Round)
	if err != nil {
		return err
	}
	ts := e.ts()
	for _, x := range execs {
		if !x.Open() || x.Superseded || (step > 0 && x.StepNumber != step) {
			continue
		}
		x.Status = domain.ExecSkipped
		x.Notes = reason
		x.UpdatedAt = ts
		x.CompletedAt = &ts
		if err := e.Repo.UpdateExecution(ctx, tx, &x, domain.ExecPending, domain.ExecAssigned, domain.ExecInProgress); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, events.StepSkipped, *in, x.ID, SystemActor, events.EventPayload{
			"reason":      reason,
			"step_number": x.StepNumber,
			"round":       x.Round,
		}); err != nil {
			return err
		}
	}
	return nil
}
