package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"approvline/internal/domain"
	"approvline/internal/engine/auth"
	"approvline/internal/events"
)

const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionReopen  = "reopen"
	ActionComment = "comment"
)

type DecideInput struct {
	ExecutionID string
	Action      string
	Reason      string
	IsInternal  bool
	Actor       Actor
}

// DecideResult carries the updated execution and instance. Comment is set
// for comment actions only.
type DecideResult struct {
	Execution domain.StepExecution `json:"execution"`
	Instance  domain.Instance      `json:"instance"`
	Comment   *domain.Comment      `json:"comment,omitempty"`
}

// Decide applies a reviewer action to an execution.
func (e Engine) Decide(ctx context.Context, in DecideInput) (DecideResult, error) {
	if err := validActor(in.Actor); err != nil {
		return DecideResult{}, err
	}
	in.Reason = strings.TrimSpace(in.Reason)
	switch in.Action {
	case ActionApprove, ActionReject:
		if in.Action == ActionReject && in.Reason == "" {
			return DecideResult{}, invalid("reason", "a reason is required to reject")
		}
		return e.decide(ctx, in)
	case ActionReopen:
		if in.Reason == "" {
			return DecideResult{}, invalid("reason", "a reason is required to reopen")
		}
		return e.reopen(ctx, in)
	case ActionComment:
		if in.Reason == "" {
			return DecideResult{}, invalid("reason", "comment body is required")
		}
		return e.comment(ctx, in)
	default:
		return DecideResult{}, invalid("decision", "must be approve, reject, reopen or comment, got %q", in.Action)
	}
}

// lockFor loads an execution and locks its instance when the instance has
// one of statuses. Both reads happen after the lock so they are current.
func (e Engine) lockFor(ctx context.Context, tx *sql.Tx, op, executionID string, actor Actor, statuses ...string) (domain.StepExecution, domain.Instance, error) {
	x, err := e.Repo.GetExecutionTx(ctx, tx, executionID)
	if err != nil {
		return x, domain.Instance{}, classify(op, "execution", executionID, err)
	}
	cur, err := e.Repo.GetInstanceTx(ctx, tx, x.InstanceID)
	if err != nil || cur.CompanyID != actor.CompanyID {
		return x, cur, classify(op, "execution", executionID, orNotFound(err))
	}
	in, err := e.Repo.LockInstance(ctx, tx, x.InstanceID, statuses...)
	if err != nil {
		if IsConflict(err) {
			e.Metrics.Conflict()
			return x, cur, conflict("%s: instance %s is %s", op, cur.ID, cur.Status)
		}
		return x, cur, classify(op, "instance", x.InstanceID, err)
	}
	x, err = e.Repo.GetExecutionTx(ctx, tx, executionID)
	if err != nil {
		return x, in, classify(op, "execution", executionID, err)
	}
	return x, in, nil
}

func (e Engine) decide(ctx context.Context, in DecideInput) (DecideResult, error) {
	op := in.Action
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecideResult{}, classify(op, "execution", in.ExecutionID, err)
	}
	defer tx.Rollback()
	x, inst, err := e.lockFor(ctx, tx, op, in.ExecutionID, in.Actor, domain.InstancePending, domain.InstanceInProgress)
	if err != nil {
		return DecideResult{}, err
	}
	before := inst
	if !x.Open() || x.Superseded || x.Round != inst.Round {
		e.Metrics.Conflict()
		return DecideResult{}, conflict("execution %s is already %s", x.ID, x.Status)
	}
	ok, err := e.canAct(ctx, tx, inst, x, in.Actor)
	if err != nil {
		return DecideResult{}, classify(op, "execution", x.ID, err)
	}
	if !ok {
		return DecideResult{}, UnauthorizedError{ActorID: in.Actor.UserID, Action: op + " execution " + x.ID}
	}
	step, found := inst.Step(x.StepNumber)
	if !found {
		return DecideResult{}, EngineFailure{Op: op, Err: errStepMissing(inst.ID, x.StepNumber)}
	}
	ts := e.ts()
	evt := events.StepApproved
	x.Decision = domain.DecisionApproved
	if in.Action == ActionReject {
		x.Decision = domain.DecisionRejected
		evt = events.StepRejected
	}
	x.Status = domain.ExecCompleted
	x.DecidedBy = in.Actor.UserID
	x.Notes = in.Reason
	x.UpdatedAt = ts
	x.CompletedAt = &ts
	if x.StartedAt == nil {
		x.StartedAt = &ts
	}
	if err := e.Repo.UpdateExecution(ctx, tx, &x, domain.ExecAssigned, domain.ExecInProgress); err != nil {
		if IsConflict(err) {
			e.Metrics.Conflict()
		}
		return DecideResult{}, classify(op, "execution", x.ID, err)
	}
	if err := e.emit(ctx, tx, evt, inst, x.ID, in.Actor.UserID, events.EventPayload{
		"decision":    x.Decision,
		"reason":      in.Reason,
		"step_number": x.StepNumber,
		"round":       x.Round,
	}); err != nil {
		return DecideResult{}, classify(op, "execution", x.ID, err)
	}
	if err := e.advance(ctx, tx, &inst, step, domain.OutcomeRejected); err != nil {
		return DecideResult{}, classify(op, "instance", inst.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return DecideResult{}, classify(op, "execution", x.ID, err)
	}
	e.Metrics.Decision(x.Decision)
	e.finished(before, inst)
	e.log().Info("step decided",
		zap.String("execution_id", x.ID), zap.String("decision", x.Decision), zap.String("actor", in.Actor.UserID),
		zap.String("instance_status", inst.Status))
	return DecideResult{Execution: x, Instance: inst}, nil
}

// reopen sends a completed instance back to review at the step of the
// targeted execution. All executions of that step start over in a new round.
func (e Engine) reopen(ctx context.Context, in DecideInput) (DecideResult, error) {
	op := ActionReopen
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecideResult{}, classify(op, "execution", in.ExecutionID, err)
	}
	defer tx.Rollback()
	x, inst, err := e.lockFor(ctx, tx, op, in.ExecutionID, in.Actor, domain.InstanceCompleted)
	if err != nil {
		return DecideResult{}, err
	}
	if x.Status != domain.ExecCompleted || x.Decision == "" {
		return DecideResult{}, invalid("execution", "only decided executions can be reopened, %s is %s", x.ID, x.Status)
	}
	if x.Round != inst.Round {
		return DecideResult{}, invalid("execution", "execution %s belongs to an earlier round", x.ID)
	}
	ok := x.DecidedBy == in.Actor.UserID
	if !ok {
		if ok, err = e.canAct(ctx, tx, inst, x, in.Actor); err != nil {
			return DecideResult{}, classify(op, "execution", x.ID, err)
		}
	}
	if !ok {
		return DecideResult{}, UnauthorizedError{ActorID: in.Actor.UserID, Action: "reopen execution " + x.ID}
	}
	step, found := inst.Step(x.StepNumber)
	if !found {
		return DecideResult{}, EngineFailure{Op: op, Err: errStepMissing(inst.ID, x.StepNumber)}
	}
	// Condition, notification and auto-approved steps have nobody to decide
	// them again.
	if !step.Human() || step.AutoApprove || x.DecidedBy == SystemActor {
		return DecideResult{}, invalid("execution", "step %d resolves without a reviewer and cannot be reopened", x.StepNumber)
	}
	siblings, err := e.Repo.StepExecutions(ctx, tx, inst.ID, inst.Round, x.StepNumber)
	if err != nil {
		return DecideResult{}, classify(op, "execution", x.ID, err)
	}
	prevOutcome := inst.Outcome
	ts := e.ts()
	inst.Status = domain.InstanceInProgress
	inst.Outcome = ""
	inst.CompletedAt = nil
	inst.CurrentStepNumber = x.StepNumber
	inst.Round++
	inst.UpdatedAt = ts
	if err := e.Repo.UpdateInstance(ctx, tx, &inst); err != nil {
		if IsConflict(err) {
			return DecideResult{}, conflict("%s %s already has another active workflow instance", inst.EntityType, inst.EntityID)
		}
		return DecideResult{}, classify(op, "instance", inst.ID, err)
	}
	var target domain.StepExecution
	for _, s := range siblings {
		if s.Superseded || s.Status != domain.ExecCompleted {
			continue
		}
		prevDecision := s.Decision
		prevDecider := s.DecidedBy
		s.Round = inst.Round
		s.Status = domain.ExecAssigned
		s.Decision = ""
		s.DecidedBy = ""
		s.Notes = ""
		s.StartedAt = nil
		s.CompletedAt = nil
		s.UpdatedAt = ts
		s.TimeoutAt = deadline(e.now(), step.TimeoutHours)
		if err := e.Repo.UpdateExecution(ctx, tx, &s, domain.ExecCompleted); err != nil {
			return DecideResult{}, classify(op, "execution", s.ID, err)
		}
		if err := e.emit(ctx, tx, events.StepAssigned, inst, s.ID, in.Actor.UserID, events.EventPayload{
			"assignee_type":     s.AssigneeType,
			"assigned_to":       s.AssignedTo,
			"step_number":       s.StepNumber,
			"round":             s.Round,
			"previous_decision": prevDecision,
			"previous_decider":  prevDecider,
		}); err != nil {
			return DecideResult{}, classify(op, "execution", s.ID, err)
		}
		if s.ID == x.ID {
			target = s
		}
	}
	if err := e.emit(ctx, tx, events.InstanceReopened, inst, x.ID, in.Actor.UserID, events.EventPayload{
		"reason":           in.Reason,
		"step_number":      x.StepNumber,
		"round":            inst.Round,
		"previous_outcome": prevOutcome,
	}); err != nil {
		return DecideResult{}, classify(op, "instance", inst.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return DecideResult{}, classify(op, "instance", inst.ID, err)
	}
	e.log().Info("instance reopened", zap.String("instance_id", inst.ID), zap.Int("round", inst.Round), zap.String("actor", in.Actor.UserID))
	return DecideResult{Execution: target, Instance: inst}, nil
}

func (e Engine) comment(ctx context.Context, in DecideInput) (DecideResult, error) {
	op := ActionComment
	x, err := e.Repo.GetExecution(ctx, in.ExecutionID)
	if err != nil {
		return DecideResult{}, classify(op, "execution", in.ExecutionID, err)
	}
	inst, err := e.Repo.GetInstance(ctx, x.InstanceID)
	if err != nil || inst.CompanyID != in.Actor.CompanyID {
		return DecideResult{}, classify(op, "execution", in.ExecutionID, orNotFound(err))
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecideResult{}, classify(op, "execution", x.ID, err)
	}
	defer tx.Rollback()
	if in.IsInternal {
		if err := e.requirePermission(ctx, tx, in.Actor, "add internal comment", auth.PermInternalComment); err != nil {
			return DecideResult{}, err
		}
	}
	c := domain.Comment{
		ID:          uuid.New().String(),
		ExecutionID: x.ID,
		InstanceID:  inst.ID,
		AuthorID:    in.Actor.UserID,
		Body:        in.Reason,
		IsInternal:  in.IsInternal,
		CreatedAt:   e.ts(),
	}
	if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
		return DecideResult{}, classify(op, "execution", x.ID, err)
	}
	if err := e.emit(ctx, tx, events.CommentAdded, inst, x.ID, in.Actor.UserID, events.EventPayload{
		"comment_id":  c.ID,
		"is_internal": c.IsInternal,
	}); err != nil {
		return DecideResult{}, classify(op, "execution", x.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return DecideResult{}, classify(op, "execution", x.ID, err)
	}
	return DecideResult{Execution: x, Instance: inst, Comment: &c}, nil
}

// ListComments returns the comments of an execution. Internal comments are
// visible only to actors allowed to write them.
func (e Engine) ListComments(ctx context.Context, executionID string, actor Actor) ([]domain.Comment, error) {
	x, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, classify("list comments", "execution", executionID, err)
	}
	inst, err := e.Repo.GetInstance(ctx, x.InstanceID)
	if err != nil || inst.CompanyID != actor.CompanyID {
		return nil, classify("list comments", "execution", executionID, orNotFound(err))
	}
	internal, err := e.hasPermission(ctx, nil, actor, auth.PermInternalComment)
	if err != nil {
		return nil, classify("list comments", "execution", executionID, err)
	}
	cs, err := e.Repo.ListComments(ctx, executionID, internal)
	return cs, classify("list comments", "execution", executionID, err)
}

// canAct reports whether actor may decide x: the assigned user, a holder of
// the assigned role, or anyone with the override permission.
func (e Engine) canAct(ctx context.Context, tx *sql.Tx, in domain.Instance, x domain.StepExecution, actor Actor) (bool, error) {
	switch x.AssigneeType {
	case domain.AssigneeUser:
		if x.AssignedTo == actor.UserID {
			return true, nil
		}
	case domain.AssigneeRole:
		ok, err := e.Auth.HasRole(ctx, tx, in.CompanyID, actor.UserID, x.AssignedTo)
		if err != nil || ok {
			return ok, err
		}
	}
	return e.hasPermission(ctx, tx, actor, auth.PermOverride)
}
