package engine

import (
	"context"
	"strings"

	"approvline/internal/domain"
	"approvline/internal/repo"
)

type ApprovalRequestInput struct {
	EntityType     string
	EntityID       string
	EntityStatus   string
	Title          string
	Description    string
	Priority       string
	AssignedToUser string
	AssignedToRole string
	TimeoutHours   int
	Snapshot       map[string]any
	Actor          Actor
}

// CreateApprovalRequest starts a template-less instance with one approval
// step for the given assignee. It runs through the same state machine as
// template-driven workflows.
func (e Engine) CreateApprovalRequest(ctx context.Context, in ApprovalRequestInput) (domain.ApprovalRequest, error) {
	if err := validActor(in.Actor); err != nil {
		return domain.ApprovalRequest{}, err
	}
	switch {
	case strings.TrimSpace(in.EntityType) == "" || strings.TrimSpace(in.EntityID) == "":
		return domain.ApprovalRequest{}, invalid("entity", "entity type and id are required")
	case strings.TrimSpace(in.Title) == "":
		return domain.ApprovalRequest{}, invalid("title", "title is required")
	case (in.AssignedToUser == "") == (in.AssignedToRole == ""):
		return domain.ApprovalRequest{}, invalid("assigned_to", "exactly one of assigned_to_user and assigned_to_role is required")
	case in.TimeoutHours < 0:
		return domain.ApprovalRequest{}, invalid("timeout_hours", "must be >= 0")
	}
	step := domain.StepDefinition{
		StepNumber:   1,
		Name:         in.Title,
		Description:  in.Description,
		StepType:     domain.StepApproval,
		AssigneeType: domain.AssigneeUser,
		AssigneeID:   in.AssignedToUser,
		TimeoutHours: in.TimeoutHours,
	}
	if in.AssignedToRole != "" {
		step.AssigneeType = domain.AssigneeRole
		step.AssigneeID = in.AssignedToRole
	}
	if err := e.validateAssignee(ctx, nil, in.Actor.CompanyID, domain.Assignee{Type: step.AssigneeType, ID: step.AssigneeID}); err != nil {
		return domain.ApprovalRequest{}, withField("assigned_to", err)
	}
	snapshot := in.Snapshot
	if in.EntityStatus != "" {
		if snapshot == nil {
			snapshot = map[string]any{}
		}
		snapshot["status"] = in.EntityStatus
	}
	inst, err := e.startInstance(ctx, startRequest{
		CompanyID:   in.Actor.CompanyID,
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		EntityType:  in.EntityType,
		EntityID:    in.EntityID,
		Steps:       []domain.StepDefinition{step},
		Snapshot:    snapshot,
		ActorID:     in.Actor.UserID,
		AdHoc:       true,
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if inst.Status == domain.InstanceFailed {
		return domain.ApprovalRequest{}, invalid("assigned_to", "assignee cannot be resolved")
	}
	execs, err := e.Repo.ListExecutions(ctx, nil, inst.ID, inst.Round)
	if err != nil || len(execs) == 0 {
		return domain.ApprovalRequest{}, classify("create approval request", "instance", inst.ID, orNotFound(err))
	}
	return ProjectApproval(inst, execs[0], nil), nil
}

type ApprovalQuery struct {
	// AssignedToMe restricts the list to executions the actor may decide.
	AssignedToMe bool
	Status       string
	EntityType   string
	InstanceID   string
	Limit        int
	// Cursor is the created_at|id of the last row of the previous page.
	CursorCreatedAt string
	CursorID        string
	Actor           Actor
}

func (e Engine) ListApprovals(ctx context.Context, q ApprovalQuery) ([]domain.ApprovalRequest, error) {
	f := repo.ApprovalFilters{
		CompanyID:       q.Actor.CompanyID,
		InstanceID:      q.InstanceID,
		EntityType:      q.EntityType,
		Limit:           q.Limit,
		CursorCreatedAt: q.CursorCreatedAt,
		CursorID:        q.CursorID,
		Statuses:        approvalStatuses(q.Status),
	}
	if q.AssignedToMe {
		roles, err := e.Auth.Roles(ctx, nil, q.Actor.CompanyID, q.Actor.UserID)
		if err != nil {
			return nil, classify("list approvals", "user", q.Actor.UserID, err)
		}
		f.UserID = q.Actor.UserID
		f.Roles = roles
	}
	rows, err := e.Repo.ListApprovals(ctx, f)
	if err != nil {
		return nil, classify("list approvals", "execution", "", err)
	}
	out := make([]domain.ApprovalRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, ProjectApproval(r.Instance, r.Execution, nil))
	}
	return out, nil
}

// GetApproval returns one execution as an approval request with its
// comments. Internal comments are filtered for the actor.
func (e Engine) GetApproval(ctx context.Context, executionID string, actor Actor) (domain.ApprovalRequest, error) {
	x, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return domain.ApprovalRequest{}, classify("get approval", "approval request", executionID, err)
	}
	inst, err := e.Repo.GetInstance(ctx, x.InstanceID)
	if err != nil || inst.CompanyID != actor.CompanyID {
		return domain.ApprovalRequest{}, classify("get approval", "approval request", executionID, orNotFound(err))
	}
	comments, err := e.ListComments(ctx, executionID, actor)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	return ProjectApproval(inst, x, comments), nil
}

// approvalStatuses maps an approval status filter onto execution statuses.
func approvalStatuses(status string) []string {
	switch status {
	case "":
		return nil
	case "pending":
		return []string{domain.ExecAssigned, domain.ExecInProgress}
	case "approved", "rejected":
		return []string{domain.ExecCompleted}
	case "expired":
		return []string{domain.ExecTimeout}
	default:
		return []string{status}
	}
}

// ProjectApproval builds the reviewer view of an execution.
func ProjectApproval(in domain.Instance, x domain.StepExecution, comments []domain.Comment) domain.ApprovalRequest {
	ar := domain.ApprovalRequest{
		ID:             x.ID,
		InstanceID:     in.ID,
		CompanyID:      in.CompanyID,
		Title:          in.Title,
		Description:    in.Description,
		EntityType:     in.EntityType,
		EntityID:       in.EntityID,
		Priority:       in.Priority,
		RequestedBy:    in.TriggeredBy,
		RequestedAt:    x.CreatedAt,
		ExpiresAt:      x.TimeoutAt,
		Decision:       x.Decision,
		DecisionReason: x.Notes,
		DecidedBy:      x.DecidedBy,
		Comments:       comments,
	}
	if step, ok := in.Step(x.StepNumber); ok {
		ar.StepName = step.Name
	}
	if s, ok := in.Snapshot["status"].(string); ok {
		ar.EntityStatus = s
	}
	if x.AssigneeType == domain.AssigneeRole {
		ar.AssignedToRole = x.AssignedTo
	} else {
		ar.AssignedToUser = x.AssignedTo
	}
	switch x.Status {
	case domain.ExecAssigned, domain.ExecInProgress, domain.ExecPending:
		ar.Status = "pending"
	case domain.ExecCompleted:
		ar.Status = x.Decision
		if ar.Status == "" {
			ar.Status = "completed"
		}
	case domain.ExecTimeout:
		ar.Status = "expired"
	default:
		ar.Status = x.Status
	}
	return ar
}
