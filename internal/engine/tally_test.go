package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"approvline/internal/domain"
)

func votes(decisions ...string) []domain.StepExecution {
	out := make([]domain.StepExecution, 0, len(decisions))
	for _, d := range decisions {
		x := domain.StepExecution{Status: domain.ExecCompleted, Decision: d}
		switch d {
		case "open":
			x = domain.StepExecution{Status: domain.ExecAssigned}
		case "timeout":
			x = domain.StepExecution{Status: domain.ExecTimeout}
		}
		out = append(out, x)
	}
	return out
}

func TestTally(t *testing.T) {
	no := false
	const (
		yes  = domain.DecisionApproved
		nope = domain.DecisionRejected
	)
	cases := []struct {
		name     string
		policy   string
		parallel bool
		required *bool
		execs    []domain.StepExecution
		want     stepOutcome
	}{
		{"single approved", "", false, nil, votes(yes), stepPassed},
		{"single open", "", false, nil, votes("open"), stepWaiting},
		{"no executions", "", false, nil, nil, stepPassed},
		{"all waits for everyone", domain.ParallelAll, true, nil, votes(yes, "open"), stepWaiting},
		{"all passes", domain.ParallelAll, true, nil, votes(yes, yes), stepPassed},
		{"required veto", domain.ParallelAny, true, nil, votes(yes, nope), stepRejected},
		{"required any waits for every vote", domain.ParallelAny, true, nil, votes(yes, "open", "open"), stepWaiting},
		{"required majority waits for every vote", domain.ParallelMajority, true, nil, votes(yes, yes, "open"), stepWaiting},
		{"required any passes when all approve", domain.ParallelAny, true, nil, votes(yes, yes), stepPassed},
		{"any passes on one", domain.ParallelAny, true, &no, votes(yes, "open"), stepPassed},
		{"any waits", domain.ParallelAny, true, &no, votes(nope, "open"), stepWaiting},
		{"any all rejected", domain.ParallelAny, true, &no, votes(nope, nope), stepRejected},
		{"majority reached", domain.ParallelMajority, true, &no, votes(yes, yes, "open"), stepPassed},
		{"majority waits", domain.ParallelMajority, true, &no, votes(yes, nope, "open"), stepWaiting},
		{"majority impossible", domain.ParallelMajority, true, &no, votes(nope, nope, "open"), stepRejected},
		{"timeout abstains", domain.ParallelAll, true, nil, votes(yes, "timeout"), stepPassed},
		{"policy ignored without parallel", domain.ParallelAny, false, &no, votes(nope), stepRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			step := domain.StepDefinition{ParallelPolicy: tc.policy, AllowParallel: tc.parallel, IsRequired: tc.required}
			assert.Equal(t, tc.want, tally(step, tc.execs))
		})
	}
}

func TestTallyIgnoresSuperseded(t *testing.T) {
	execs := votes(domain.DecisionRejected, "open")
	execs[0].Superseded = true
	assert.Equal(t, stepWaiting, tally(domain.StepDefinition{}, execs))
}

func TestProjectApprovalStatus(t *testing.T) {
	in := domain.Instance{ID: "i1", Steps: []domain.StepDefinition{{StepNumber: 1, Name: "Review"}}, Snapshot: map[string]any{"status": "draft"}}
	cases := map[string]domain.StepExecution{
		"pending":  {StepNumber: 1, Status: domain.ExecInProgress},
		"approved": {StepNumber: 1, Status: domain.ExecCompleted, Decision: domain.DecisionApproved},
		"expired":  {StepNumber: 1, Status: domain.ExecTimeout},
		"skipped":  {StepNumber: 1, Status: domain.ExecSkipped},
	}
	for want, x := range cases {
		ar := ProjectApproval(in, x, nil)
		assert.Equal(t, want, ar.Status)
		assert.Equal(t, "Review", ar.StepName)
		assert.Equal(t, "draft", ar.EntityStatus)
	}
}
