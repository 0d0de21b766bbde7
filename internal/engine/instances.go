package engine

import (
	"context"

	"approvline/internal/domain"
	"approvline/internal/repo"
)

// InstanceDetail is an instance with every execution of every round and the
// reassignment trail.
type InstanceDetail struct {
	domain.Instance
	Executions    []domain.StepExecution `json:"executions"`
	Reassignments []domain.Reassignment  `json:"reassignments"`
}

func (e Engine) GetInstance(ctx context.Context, id string, actor Actor) (InstanceDetail, error) {
	in, err := e.Repo.GetInstance(ctx, id)
	if err != nil || in.CompanyID != actor.CompanyID {
		return InstanceDetail{}, classify("get instance", "instance", id, orNotFound(err))
	}
	execs, err := e.Repo.ListExecutions(ctx, nil, id, 0)
	if err != nil {
		return InstanceDetail{}, classify("get instance", "instance", id, err)
	}
	ras, err := e.Repo.ListReassignments(ctx, id)
	if err != nil {
		return InstanceDetail{}, classify("get instance", "instance", id, err)
	}
	if execs == nil {
		execs = []domain.StepExecution{}
	}
	if ras == nil {
		ras = []domain.Reassignment{}
	}
	return InstanceDetail{Instance: in, Executions: execs, Reassignments: ras}, nil
}

func (e Engine) ListInstances(ctx context.Context, f repo.InstanceFilters, actor Actor) ([]domain.Instance, error) {
	f.CompanyID = actor.CompanyID
	out, err := e.Repo.ListInstances(ctx, f)
	return out, classify("list instances", "instance", "", err)
}

// History returns the audit trail of an instance in commit order.
func (e Engine) History(ctx context.Context, id string, actor Actor) ([]domain.Event, error) {
	in, err := e.Repo.GetInstance(ctx, id)
	if err != nil || in.CompanyID != actor.CompanyID {
		return nil, classify("instance history", "instance", id, orNotFound(err))
	}
	evs, err := e.Repo.InstanceHistory(ctx, id)
	return evs, classify("instance history", "instance", id, err)
}

// ListEvents lists the company audit log newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters, actor Actor) ([]domain.Event, error) {
	f.CompanyID = actor.CompanyID
	evs, err := e.Repo.LatestEvents(ctx, f)
	return evs, classify("list events", "event", "", err)
}
