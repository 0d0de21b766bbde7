package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approvline/internal/config"
	"approvline/internal/db"
	"approvline/internal/domain"
	"approvline/internal/engine"
	"approvline/internal/events"
	"approvline/internal/migrate"
	"approvline/internal/repo"
)

const company = "acme"

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func as(user string) engine.Actor {
	return engine.Actor{UserID: user, CompanyID: company}
}

var operator = as(engine.SystemActor)

// newTestEnv opens a fresh sqlite workspace with a seeded directory:
// alice requests, bob and carol hold finance, mgr is the escalation
// target and root is an admin.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default(company)
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return t0 }
	ctx := context.Background()
	require.NoError(t, eng.Bootstrap(ctx))
	for _, id := range []string{"alice", "bob", "carol", "dave", "mgr", "root"} {
		_, err := eng.AddUser(ctx, domain.User{ID: id, Name: id, Active: true}, operator)
		require.NoError(t, err)
	}
	require.NoError(t, eng.AddRole(ctx, "finance", "Finance approvers", operator))
	require.NoError(t, eng.GrantRole(ctx, "bob", "finance", true, operator))
	require.NoError(t, eng.GrantRole(ctx, "carol", "finance", true, operator))
	require.NoError(t, eng.GrantRole(ctx, "root", "admin", true, operator))
	require.NoError(t, eng.GrantRole(ctx, "alice", "requester", true, operator))
	return testEnv{Engine: eng, Ctx: ctx}
}

func userStep(name, user string) domain.StepDefinition {
	return domain.StepDefinition{Name: name, AssigneeType: domain.AssigneeUser, AssigneeID: user}
}

func roleStep(name, role string) domain.StepDefinition {
	return domain.StepDefinition{Name: name, AssigneeType: domain.AssigneeRole, AssigneeID: role}
}

func over(amount float64) *domain.Conditions {
	return &domain.Conditions{Threshold: &domain.ThresholdCondition{Field: "total_amount", Operator: "gt", Value: amount}}
}

// template stores and activates a purchase order template.
func (env testEnv) template(t *testing.T, cond *domain.Conditions, steps ...domain.StepDefinition) domain.Template {
	t.Helper()
	tpl, err := env.Engine.CreateTemplate(env.Ctx, domain.Template{
		Name:       "PO approval",
		Trigger:    domain.Trigger{EntityType: "purchase_order", On: domain.TriggerCreate},
		Conditions: cond,
		Steps:      steps,
	}, as("root"))
	require.NoError(t, err)
	tpl, err = env.Engine.SetTemplateActive(env.Ctx, tpl.ID, true, as("root"))
	require.NoError(t, err)
	return tpl
}

func (env testEnv) order(id string, amount float64) domain.EntityEvent {
	return domain.EntityEvent{
		CompanyID:  company,
		EntityType: "purchase_order",
		EntityID:   id,
		Operation:  domain.TriggerCreate,
		Snapshot:   map[string]any{"total_amount": amount, "status": "submitted"},
		ActorID:    "alice",
	}
}

func (env testEnv) start(t *testing.T, id string, amount float64) domain.Instance {
	t.Helper()
	res, err := env.Engine.Evaluate(env.Ctx, env.order(id, amount))
	require.NoError(t, err)
	require.Len(t, res.Instances, 1, "errors: %v skipped: %v", res.Errors, res.Skipped)
	return res.Instances[0]
}

func instanceFilter(entityID string) repo.InstanceFilters {
	return repo.InstanceFilters{EntityID: entityID}
}

func (env testEnv) detail(t *testing.T, id string) engine.InstanceDetail {
	t.Helper()
	d, err := env.Engine.GetInstance(env.Ctx, id, as("root"))
	require.NoError(t, err)
	return d
}

// open returns the open, current executions of an instance.
func (env testEnv) open(t *testing.T, id string) []domain.StepExecution {
	t.Helper()
	d := env.detail(t, id)
	var out []domain.StepExecution
	for _, x := range d.Executions {
		if x.Open() && !x.Superseded && x.Round == d.Round {
			out = append(out, x)
		}
	}
	return out
}

func (env testEnv) decide(t *testing.T, execID, action, reason, user string) engine.DecideResult {
	t.Helper()
	res, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: execID, Action: action, Reason: reason, Actor: as(user)})
	require.NoError(t, err)
	return res
}

func (env testEnv) eventTypes(t *testing.T, id string) []string {
	t.Helper()
	evs, err := env.Engine.History(env.Ctx, id, as("root"))
	require.NoError(t, err)
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestThresholdTrigger(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, over(5000), userStep("Manager review", "bob"))

	res, err := env.Engine.Evaluate(env.Ctx, env.order("PO-1", 8500))
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	inst := res.Instances[0]
	assert.Equal(t, domain.InstanceInProgress, inst.Status)
	assert.Equal(t, 1, inst.CurrentStepNumber)

	execs := env.open(t, inst.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ExecAssigned, execs[0].Status)
	assert.Equal(t, "bob", execs[0].AssignedTo)

	res, err = env.Engine.Evaluate(env.Ctx, env.order("PO-2", 3000))
	require.NoError(t, err)
	assert.Empty(t, res.Instances)
	list, err := env.Engine.ListInstances(env.Ctx, instanceFilter("PO-2"), as("root"))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEvaluateIsIdempotentPerEntity(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, over(5000), userStep("Manager review", "bob"))
	first := env.start(t, "PO-1", 8500)

	res, err := env.Engine.Evaluate(env.Ctx, env.order("PO-1", 9000))
	require.NoError(t, err)
	assert.Empty(t, res.Instances)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, first.ID, res.Skipped[0].InstanceID)
}

func TestEvaluateIgnoresOtherOperations(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, over(5000), userStep("Manager review", "bob"))
	evt := env.order("PO-1", 8500)
	evt.Operation = domain.TriggerUpdate
	res, err := env.Engine.Evaluate(env.Ctx, evt)
	require.NoError(t, err)
	assert.Empty(t, res.Instances)

	evt.Operation = "delete"
	_, err = env.Engine.Evaluate(env.Ctx, evt)
	var verr engine.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestFailingTemplateDoesNotStopOthers(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, userStep("Review", "carol"))
	env.template(t, over(10), userStep("Other", "carol"))
	require.NoError(t, env.Engine.SetUserActive(env.Ctx, "carol", false, operator))

	res, err := env.Engine.Evaluate(env.Ctx, env.order("PO-1", 100))
	require.NoError(t, err)
	require.Len(t, res.Instances, 2, "a failed instance does not hold the entity")
	assert.Len(t, res.Errors, 2)
	for _, in := range res.Instances {
		assert.Equal(t, domain.InstanceFailed, in.Status)
	}
}

func TestRejectTerminates(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, userStep("Manager", "bob"), userStep("Finance", "carol"))
	inst := env.start(t, "PO-1", 100)
	x := env.open(t, inst.ID)[0]

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: x.ID, Action: engine.ActionReject, Actor: as("bob")})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr, "reject needs a reason")

	res := env.decide(t, x.ID, engine.ActionReject, "over budget", "bob")
	assert.Equal(t, domain.InstanceCompleted, res.Instance.Status)
	assert.Equal(t, domain.OutcomeRejected, res.Instance.Outcome)
	assert.Equal(t, domain.DecisionRejected, res.Execution.Decision)

	d := env.detail(t, inst.ID)
	assert.Len(t, d.Executions, 1, "step 2 must never activate")
	assert.Contains(t, env.eventTypes(t, inst.ID), events.InstanceCompleted)
}

func TestStepsRunInOrder(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, userStep("One", "bob"), userStep("Two", "carol"), userStep("Three", "dave"))
	inst := env.start(t, "PO-1", 100)
	for i, user := range []string{"bob", "carol", "dave"} {
		execs := env.open(t, inst.ID)
		require.Len(t, execs, 1)
		assert.Equal(t, i+1, execs[0].StepNumber)
		assert.Equal(t, user, execs[0].AssignedTo)
		res := env.decide(t, execs[0].ID, engine.ActionApprove, "", user)
		inst = res.Instance
	}
	assert.Equal(t, domain.InstanceCompleted, inst.Status)
	assert.Equal(t, domain.OutcomeApproved, inst.Outcome)
	assert.NotNil(t, inst.CompletedAt)
}

func TestOptionalStepRejectionContinues(t *testing.T) {
	env := newTestEnv(t)
	optional := userStep("Advisory", "bob")
	no := false
	optional.IsRequired = &no
	env.template(t, nil, optional, userStep("Final", "carol"))
	inst := env.start(t, "PO-1", 100)

	res := env.decide(t, env.open(t, inst.ID)[0].ID, engine.ActionReject, "not convinced", "bob")
	assert.Equal(t, domain.InstanceInProgress, res.Instance.Status)
	assert.Equal(t, 2, res.Instance.CurrentStepNumber)
	assert.Equal(t, "carol", env.open(t, inst.ID)[0].AssignedTo)
}

func TestConcurrentApprovalsOneWins(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, roleStep("Finance", "finance"), userStep("Final", "dave"))
	inst := env.start(t, "PO-1", 100)
	x := env.open(t, inst.ID)[0]
	require.Equal(t, domain.AssigneeRole, x.AssigneeType)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	gate := make(chan struct{})
	for i, user := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			<-gate
			_, errs[i] = env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: x.ID, Action: engine.ActionApprove, Actor: as(user)})
		}(i, user)
	}
	close(gate)
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		var cerr engine.ConflictError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &cerr):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	approved := 0
	for _, typ := range env.eventTypes(t, inst.ID) {
		if typ == events.StepApproved {
			approved++
		}
	}
	assert.Equal(t, 1, approved)
	d := env.detail(t, inst.ID)
	assert.Equal(t, 2, d.CurrentStepNumber)
}

func TestDecideTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, userStep("One", "bob"), userStep("Two", "carol"))
	inst := env.start(t, "PO-1", 100)
	x := env.open(t, inst.ID)[0]
	env.decide(t, x.ID, engine.ActionApprove, "", "bob")
	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: x.ID, Action: engine.ActionReject, Reason: "changed my mind", Actor: as("bob")})
	assert.True(t, engine.IsConflict(err), "got %v", err)
}

func TestOnlyAssigneeMayDecide(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, userStep("One", "bob"))
	inst := env.start(t, "PO-1", 100)
	x := env.open(t, inst.ID)[0]

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: x.ID, Action: engine.ActionApprove, Actor: as("carol")})
	var uerr engine.UnauthorizedError
	require.ErrorAs(t, err, &uerr)

	// admins hold the override permission
	res := env.decide(t, x.ID, engine.ActionApprove, "", "root")
	assert.Equal(t, "root", res.Execution.DecidedBy)
}

func TestTimeoutEscalates(t *testing.T) {
	env := newTestEnv(t)
	step := userStep("Manager", "bob")
	step.TimeoutHours = 24
	step.Escalation = &domain.Assignee{Type: domain.AssigneeUser, ID: "mgr"}
	env.template(t, nil, step)
	inst := env.start(t, "PO-1", 100)
	x := env.open(t, inst.ID)[0]
	require.NotNil(t, x.TimeoutAt)

	res, err := env.Engine.SweepTimeouts(env.Ctx, t0.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.TimedOut)

	res, err = env.Engine.SweepTimeouts(env.Ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimedOut)
	assert.Equal(t, 1, res.Escalated)

	d := env.detail(t, inst.ID)
	assert.Equal(t, domain.InstanceInProgress, d.Status)
	require.Len(t, d.Executions, 2)
	var old, next domain.StepExecution
	for _, e := range d.Executions {
		if e.ID == x.ID {
			old = e
		} else {
			next = e
		}
	}
	assert.Equal(t, domain.ExecTimeout, old.Status)
	assert.True(t, old.Superseded)
	assert.Equal(t, domain.ExecAssigned, next.Status)
	assert.Equal(t, "mgr", next.AssignedTo)
	require.NotNil(t, next.EscalatedFrom)
	assert.Equal(t, x.ID, *next.EscalatedFrom)
	require.Len(t, d.Reassignments, 1)
	assert.Equal(t, domain.ReassignEscalation, d.Reassignments[0].Kind)
	assert.Contains(t, env.eventTypes(t, inst.ID), events.StepEscalated)

	// a second sweep at the same time finds nothing
	res, err = env.Engine.SweepTimeouts(env.Ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.TimedOut)

	// the escalated execution is not escalated again and rejects on timeout
	res, err = env.Engine.SweepTimeouts(env.Ctx, t0.Add(50*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimedOut)
	assert.Zero(t, res.Escalated)
	d = env.detail(t, inst.ID)
	assert.Equal(t, domain.InstanceCompleted, d.Status)
	assert.Equal(t, domain.OutcomeExpired, d.Outcome)
}

func TestTimeoutSkipAbstains(t *testing.T) {
	env := newTestEnv(t)
	step := userStep("Advisory", "bob")
	step.TimeoutHours = 1
	step.OnTimeout = domain.TimeoutSkip
	env.template(t, nil, step, userStep("Final", "carol"))
	inst := env.start(t, "PO-1", 100)

	_, err := env.Engine.SweepTimeouts(env.Ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	d := env.detail(t, inst.ID)
	assert.Equal(t, domain.InstanceInProgress, d.Status)
	assert.Equal(t, 2, d.CurrentStepNumber)
}

func TestSweepPagesPastFailingExecutions(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.SweepBatch = 2
	step := userStep("Advisory", "bob")
	step.TimeoutHours = 1
	step.OnTimeout = domain.TimeoutSkip
	env.template(t, nil, step, userStep("Final", "carol"))
	inst := env.start(t, "PO-1", 100)

	// Executions for a step the instance does not have fail on every sweep
	// and sort ahead of the healthy one.
	early := t0.Add(-time.Hour).Format(time.RFC3339)
	ts := t0.Format(time.RFC3339)
	for _, id := range []string{"broken-a", "broken-b", "broken-c"} {
		require.NoError(t, env.Engine.Repo.InsertExecution(env.Ctx, nil, domain.StepExecution{
			ID: id, InstanceID: inst.ID, StepNumber: 99, Round: inst.Round,
			Status: domain.ExecAssigned, AssigneeType: domain.AssigneeUser, AssignedTo: "bob",
			TimeoutAt: &early, CreatedAt: ts, UpdatedAt: ts, Version: 1,
		}))
	}

	res, err := env.Engine.SweepTimeouts(env.Ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, res.Errors, 3)
	assert.Equal(t, 1, res.TimedOut)
	assert.Equal(t, 2, env.detail(t, inst.ID).CurrentStepNumber)
}

func TestLateDecisionAfterTimeoutConflicts(t *testing.T) {
	env := newTestEnv(t)
	step := userStep("Manager", "bob")
	step.TimeoutHours = 1
	env.template(t, nil, step, userStep("Final", "carol"))
	inst := env.start(t, "PO-1", 100)
	x := env.open(t, inst.ID)[0]
	_, err := env.Engine.SweepTimeouts(env.Ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: x.ID, Action: engine.ActionApprove, Actor: as("bob")})
	assert.True(t, engine.IsConflict(err), "got %v", err)
}

func TestReopen(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, userStep("Manager", "bob"))
	inst := env.start(t, "PO-1", 100)
	x := env.open(t, inst.ID)[0]
	res := env.decide(t, x.ID, engine.ActionApprove, "", "bob")
	require.Equal(t, domain.InstanceCompleted, res.Instance.Status)

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: x.ID, Action: engine.ActionReopen, Actor: as("bob")})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr, "reopen needs a reason")

	res = env.decide(t, x.ID, engine.ActionReopen, "invoice changed", "bob")
	assert.Equal(t, domain.InstanceInProgress, res.Instance.Status)
	assert.Equal(t, 2, res.Instance.Round)
	assert.Empty(t, res.Instance.Outcome)
	assert.Equal(t, domain.ExecAssigned, res.Execution.Status)
	assert.Empty(t, res.Execution.Decision)
	assert.Contains(t, env.eventTypes(t, inst.ID), events.InstanceReopened)

	open := env.open(t, inst.ID)
	require.Len(t, open, 1)
	res = env.decide(t, open[0].ID, engine.ActionReject, "still wrong", "bob")
	assert.Equal(t, domain.OutcomeRejected, res.Instance.Outcome)
}

func TestReopenRequiresCompletedInstance(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, userStep("One", "bob"), userStep("Two", "carol"))
	inst := env.start(t, "PO-1", 100)
	x := env.open(t, inst.ID)[0]
	env.decide(t, x.ID, engine.ActionApprove, "", "bob")
	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: x.ID, Action: engine.ActionReopen, Reason: "oops", Actor: as("bob")})
	assert.True(t, engine.IsConflict(err), "got %v", err)
}

func TestReopenRefusesStepsWithoutReviewer(t *testing.T) {
	env := newTestEnv(t)
	gate := domain.StepDefinition{Name: "Large order?", StepType: domain.StepCondition, Conditions: over(10)}
	auto := userStep("Pre-approved", "carol")
	auto.AutoApprove = true
	env.template(t, nil, gate, auto, userStep("Manager", "bob"))
	inst := env.start(t, "PO-1", 100)
	open := env.open(t, inst.ID)
	require.Len(t, open, 1)
	res := env.decide(t, open[0].ID, engine.ActionApprove, "", "bob")
	require.Equal(t, domain.OutcomeApproved, res.Instance.Outcome)

	for _, x := range env.detail(t, inst.ID).Executions {
		if x.StepNumber == 3 {
			continue
		}
		_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: x.ID, Action: engine.ActionReopen, Reason: "recheck", Actor: as("root")})
		var verr engine.ValidationError
		assert.ErrorAs(t, err, &verr, "step %d", x.StepNumber)
	}
	assert.Equal(t, domain.InstanceCompleted, env.detail(t, inst.ID).Status)
}

func TestCancelAndDecideConflict(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, userStep("One", "bob"))
	inst := env.start(t, "PO-1", 100)
	x := env.open(t, inst.ID)[0]

	_, err := env.Engine.Cancel(env.Ctx, inst.ID, "", as("carol"))
	var uerr engine.UnauthorizedError
	require.ErrorAs(t, err, &uerr, "only the requester or a manager may cancel")

	cancelled, err := env.Engine.Cancel(env.Ctx, inst.ID, "withdrawn", as("alice"))
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCancelled, cancelled.Status)

	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: x.ID, Action: engine.ActionApprove, Actor: as("bob")})
	assert.True(t, engine.IsConflict(err), "got %v", err)
	_, err = env.Engine.Cancel(env.Ctx, inst.ID, "again", as("alice"))
	assert.True(t, engine.IsConflict(err), "got %v", err)

	d := env.detail(t, inst.ID)
	assert.Equal(t, domain.ExecSkipped, d.Executions[0].Status)

	// the entity is free for a new workflow
	env.start(t, "PO-1", 100)
}

func TestRoleClaim(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, roleStep("Finance", "finance"))
	inst := env.start(t, "PO-1", 100)
	x := env.open(t, inst.ID)[0]

	_, err := env.Engine.StartExecution(env.Ctx, x.ID, as("dave"))
	var uerr engine.UnauthorizedError
	require.ErrorAs(t, err, &uerr)

	claimed, err := env.Engine.StartExecution(env.Ctx, x.ID, as("carol"))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecInProgress, claimed.Status)
	assert.Equal(t, domain.AssigneeUser, claimed.AssigneeType)
	assert.Equal(t, "carol", claimed.AssignedTo)

	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: x.ID, Action: engine.ActionApprove, Actor: as("bob")})
	require.ErrorAs(t, err, &uerr, "a claimed execution belongs to the claimant")
	env.decide(t, x.ID, engine.ActionApprove, "", "carol")
}

func TestReassign(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, userStep("One", "bob"))
	inst := env.start(t, "PO-1", 100)
	x := env.open(t, inst.ID)[0]

	_, err := env.Engine.Reassign(env.Ctx, engine.ReassignInput{ExecutionID: x.ID, To: domain.Assignee{Type: domain.AssigneeUser, ID: "bob"}, Actor: as("bob")})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr, "same assignee")

	_, err = env.Engine.Reassign(env.Ctx, engine.ReassignInput{ExecutionID: x.ID, To: domain.Assignee{Type: domain.AssigneeUser, ID: "nobody"}, Actor: as("bob")})
	require.ErrorAs(t, err, &verr, "unknown user")

	_, err = env.Engine.Reassign(env.Ctx, engine.ReassignInput{ExecutionID: x.ID, To: domain.Assignee{Type: domain.AssigneeUser, ID: "dave"}, Actor: as("carol")})
	var uerr engine.UnauthorizedError
	require.ErrorAs(t, err, &uerr)

	moved, err := env.Engine.Reassign(env.Ctx, engine.ReassignInput{
		ExecutionID: x.ID, To: domain.Assignee{Type: domain.AssigneeUser, ID: "dave"}, Reason: "vacation", Actor: as("bob"),
	})
	require.NoError(t, err)
	assert.Equal(t, "dave", moved.AssignedTo)
	assert.Equal(t, x.ID, moved.ID)

	d := env.detail(t, inst.ID)
	require.Len(t, d.Reassignments, 1)
	assert.Equal(t, "bob", d.Reassignments[0].FromID)
	assert.Equal(t, domain.ReassignManual, d.Reassignments[0].Kind)
	env.decide(t, x.ID, engine.ActionApprove, "", "dave")
}

func TestComments(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, userStep("One", "bob"))
	inst := env.start(t, "PO-1", 100)
	x := env.open(t, inst.ID)[0]

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: x.ID, Action: engine.ActionComment, Reason: "internal note", IsInternal: true, Actor: as("alice")})
	var uerr engine.UnauthorizedError
	require.ErrorAs(t, err, &uerr, "requesters cannot write internal comments")

	res := env.decide(t, x.ID, engine.ActionComment, "please attach the quote", "bob")
	require.NotNil(t, res.Comment)
	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: x.ID, Action: engine.ActionComment, Reason: "supplier is flaky", IsInternal: true, Actor: as("root")})
	require.NoError(t, err)

	public, err := env.Engine.ListComments(env.Ctx, x.ID, as("alice"))
	require.NoError(t, err)
	assert.Len(t, public, 1)
	all, err := env.Engine.ListComments(env.Ctx, x.ID, as("root"))
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// comments never change the execution
	assert.Equal(t, domain.ExecAssigned, env.open(t, inst.ID)[0].Status)
}

func TestParallelAny(t *testing.T) {
	env := newTestEnv(t)
	no := false
	step := roleStep("Finance", "finance")
	step.AllowParallel = true
	step.ParallelPolicy = domain.ParallelAny
	step.IsRequired = &no
	env.template(t, nil, step, userStep("Final", "dave"))
	inst := env.start(t, "PO-1", 100)
	execs := env.open(t, inst.ID)
	require.Len(t, execs, 2)

	var bobs string
	for _, x := range execs {
		assert.Equal(t, domain.AssigneeUser, x.AssigneeType)
		if x.AssignedTo == "bob" {
			bobs = x.ID
		}
	}
	res := env.decide(t, bobs, engine.ActionApprove, "", "bob")
	assert.Equal(t, 2, res.Instance.CurrentStepNumber)
	open := env.open(t, inst.ID)
	require.Len(t, open, 1)
	assert.Equal(t, "dave", open[0].AssignedTo)
}

func TestRequiredParallelStepWaitsForEveryVote(t *testing.T) {
	env := newTestEnv(t)
	step := roleStep("Finance", "finance")
	step.AllowParallel = true
	step.ParallelPolicy = domain.ParallelAny
	env.template(t, nil, step, userStep("Final", "dave"))
	inst := env.start(t, "PO-1", 100)
	execs := env.open(t, inst.ID)
	require.Len(t, execs, 2)

	byUser := map[string]string{}
	for _, x := range execs {
		byUser[x.AssignedTo] = x.ID
	}
	res := env.decide(t, byUser["bob"], engine.ActionApprove, "", "bob")
	assert.Equal(t, 1, res.Instance.CurrentStepNumber)
	open := env.open(t, inst.ID)
	require.Len(t, open, 1)
	assert.Equal(t, "carol", open[0].AssignedTo)

	res = env.decide(t, byUser["carol"], engine.ActionReject, "over budget", "carol")
	assert.Equal(t, domain.InstanceCompleted, res.Instance.Status)
	assert.Equal(t, domain.OutcomeRejected, res.Instance.Outcome)
}

func TestConditionNotificationAndAutoApproveSteps(t *testing.T) {
	env := newTestEnv(t)
	gate := domain.StepDefinition{Name: "Large order?", StepType: domain.StepCondition, Conditions: over(1000)}
	notify := roleStep("Tell finance", "finance")
	notify.StepType = domain.StepNotification
	auto := userStep("Pre-check", "bob")
	auto.AutoApprove = true
	gated := userStep("Director", "mgr")
	gated.Conditions = over(50000)
	env.template(t, nil, gate, notify, auto, gated, userStep("Final", "carol"))

	inst := env.start(t, "PO-1", 2000)
	assert.Equal(t, 5, inst.CurrentStepNumber)
	d := env.detail(t, inst.ID)
	byStep := map[int][]domain.StepExecution{}
	for _, x := range d.Executions {
		byStep[x.StepNumber] = append(byStep[x.StepNumber], x)
	}
	assert.Equal(t, domain.DecisionApproved, byStep[1][0].Decision)
	assert.Len(t, byStep[2], 2, "one notification per role holder")
	assert.Equal(t, domain.ExecCompleted, byStep[2][0].Status)
	assert.Equal(t, engine.SystemActor, byStep[3][0].DecidedBy)
	assert.Equal(t, domain.ExecSkipped, byStep[4][0].Status)
	assert.Contains(t, env.eventTypes(t, inst.ID), events.StepNotified)

	// a small order fails the required condition step
	small := env.start(t, "PO-2", 500)
	assert.Equal(t, domain.InstanceCompleted, small.Status)
	assert.Equal(t, domain.OutcomeRejected, small.Outcome)
}

func TestUnresolvableAssigneeFailsInstance(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, userStep("One", "bob"), userStep("Two", "carol"))
	inst := env.start(t, "PO-1", 100)
	require.NoError(t, env.Engine.SetUserActive(env.Ctx, "carol", false, operator))

	res := env.decide(t, env.open(t, inst.ID)[0].ID, engine.ActionApprove, "", "bob")
	assert.Equal(t, domain.InstanceFailed, res.Instance.Status)
	d := env.detail(t, inst.ID)
	assert.Equal(t, domain.ExecFailed, d.Executions[len(d.Executions)-1].Status)
	assert.Contains(t, env.eventTypes(t, inst.ID), events.InstanceFailed)
}

func TestTemplateVersioning(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.template(t, nil, userStep("One", "bob"))
	inst := env.start(t, "PO-1", 100)

	updated := tpl
	updated.Steps = []domain.StepDefinition{userStep("Only", "carol")}
	_, err := env.Engine.UpdateTemplate(env.Ctx, tpl.ID, updated, tpl.Version+5, as("root"))
	assert.True(t, engine.IsConflict(err), "stale version must conflict, got %v", err)
	updated, err = env.Engine.UpdateTemplate(env.Ctx, tpl.ID, updated, tpl.Version, as("root"))
	require.NoError(t, err)
	assert.Equal(t, tpl.Version+1, updated.Version)

	// the running instance keeps its snapshot of the steps
	assert.Equal(t, "bob", env.open(t, inst.ID)[0].AssignedTo)

	err = env.Engine.DeleteTemplate(env.Ctx, tpl.ID, as("root"))
	assert.True(t, engine.IsConflict(err), "templates in use cannot be deleted, got %v", err)
}

func TestTemplateValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTemplate(env.Ctx, domain.Template{
		Name:    "bad",
		Trigger: domain.Trigger{EntityType: "purchase_order", On: domain.TriggerCreate},
		Steps:   []domain.StepDefinition{userStep("Ghost", "nobody")},
	}, as("root"))
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "steps[1].assignee", verr.Field)

	_, err = env.Engine.CreateTemplate(env.Ctx, domain.Template{
		Name:    "bad trigger",
		Trigger: domain.Trigger{EntityType: "purchase_order", On: "delete"},
	}, as("root"))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "trigger.on", verr.Field)
}

func TestManualRun(t *testing.T) {
	env := newTestEnv(t)
	tpl, err := env.Engine.CreateTemplate(env.Ctx, domain.Template{
		Name:    "Contract review",
		Trigger: domain.Trigger{EntityType: "contract", On: domain.TriggerManual},
		Steps:   []domain.StepDefinition{userStep("Legal", "bob")},
	}, as("root"))
	require.NoError(t, err)

	_, err = env.Engine.RunManual(env.Ctx, engine.RunInput{TemplateID: tpl.ID, EntityID: "C-1", Actor: as("alice")})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr, "inactive templates cannot run")

	_, err = env.Engine.SetTemplateActive(env.Ctx, tpl.ID, true, as("root"))
	require.NoError(t, err)
	inst, err := env.Engine.RunManual(env.Ctx, engine.RunInput{TemplateID: tpl.ID, EntityID: "C-1", Actor: as("alice")})
	require.NoError(t, err)
	assert.Equal(t, "contract", inst.EntityType)

	_, err = env.Engine.RunManual(env.Ctx, engine.RunInput{TemplateID: tpl.ID, EntityID: "C-1", Actor: as("alice")})
	assert.True(t, engine.IsConflict(err), "one active instance per entity, got %v", err)
}

func TestApprovalRequests(t *testing.T) {
	env := newTestEnv(t)
	ar, err := env.Engine.CreateApprovalRequest(env.Ctx, engine.ApprovalRequestInput{
		EntityType:     "expense_report",
		EntityID:       "EXP-7",
		EntityStatus:   "submitted",
		Title:          "Team offsite",
		AssignedToRole: "finance",
		TimeoutHours:   48,
		Actor:          as("alice"),
	})
	require.NoError(t, err)
	assert.Equal(t, "pending", ar.Status)
	assert.Equal(t, "finance", ar.AssignedToRole)
	assert.Equal(t, "alice", ar.RequestedBy)
	assert.Equal(t, "submitted", ar.EntityStatus)
	require.NotNil(t, ar.ExpiresAt)

	_, err = env.Engine.CreateApprovalRequest(env.Ctx, engine.ApprovalRequestInput{
		EntityType: "expense_report", EntityID: "EXP-8", Title: "x",
		AssignedToUser: "bob", AssignedToRole: "finance", Actor: as("alice"),
	})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)

	mine, err := env.Engine.ListApprovals(env.Ctx, engine.ApprovalQuery{AssignedToMe: true, Status: "pending", Actor: as("carol")})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, ar.ID, mine[0].ID)
	none, err := env.Engine.ListApprovals(env.Ctx, engine.ApprovalQuery{AssignedToMe: true, Actor: as("dave")})
	require.NoError(t, err)
	assert.Empty(t, none)

	env.decide(t, ar.ID, engine.ActionApprove, "fine", "carol")
	got, err := env.Engine.GetApproval(env.Ctx, ar.ID, as("alice"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApproved, got.Status)
	assert.Equal(t, "carol", got.DecidedBy)
}

func TestListEventsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, userStep("Manager", "bob"))
	inst := env.start(t, "PO-1", 100)

	evs, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{InstanceID: inst.ID, Limit: 10}, as("root"))
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.InstanceAdvanced, evs[0].Type)
	assert.Equal(t, events.InstanceStarted, evs[len(evs)-1].Type)

	evs, err = env.Engine.ListEvents(env.Ctx, repo.EventFilters{InstanceID: inst.ID}, engine.Actor{UserID: "root", CompanyID: "other"})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, nil, userStep("One", "bob"))
	inst := env.start(t, "PO-1", 100)
	stranger := engine.Actor{UserID: "eve", CompanyID: "globex"}
	_, err := env.Engine.GetInstance(env.Ctx, inst.ID, stranger)
	var nf engine.NotFoundError
	assert.ErrorAs(t, err, &nf)
	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{ExecutionID: env.open(t, inst.ID)[0].ID, Action: engine.ActionApprove, Actor: stranger})
	assert.ErrorAs(t, err, &nf)
}
