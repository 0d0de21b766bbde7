package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"approvline/internal/domain"
	"approvline/internal/events"
	"approvline/internal/repo"
)

type startRequest struct {
	CompanyID       string
	TemplateID      *string
	TemplateVersion int
	Title           string
	Description     string
	Priority        string
	EntityType      string
	EntityID        string
	Steps           []domain.StepDefinition
	Snapshot        map[string]any
	ActorID         string
	// AdHoc marks a template-less approval request.
	AdHoc bool
}

// startInstance creates an instance and activates its first step in one
// transaction. A concurrent start for the same entity loses on the partial
// unique index and gets a ConflictError.
func (e Engine) startInstance(ctx context.Context, req startRequest) (domain.Instance, error) {
	if len(req.Steps) == 0 {
		return domain.Instance{}, invalid("steps", "a workflow instance needs at least one step")
	}
	now := e.ts()
	in := domain.Instance{
		ID:              uuid.New().String(),
		CompanyID:       req.CompanyID,
		TemplateID:      req.TemplateID,
		TemplateVersion: req.TemplateVersion,
		Title:           req.Title,
		Description:     req.Description,
		Priority:        req.Priority,
		Status:          domain.InstancePending,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Round:           1,
		Steps:           req.Steps,
		Snapshot:        req.Snapshot,
		TriggeredBy:     req.ActorID,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	if in.Priority == "" {
		if p, ok := in.Snapshot["priority"].(string); ok {
			in.Priority = p
		}
	}
	before := in
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return in, classify("start instance", "instance", in.ID, err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertInstance(ctx, tx, in); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return in, conflict("%s %s already has an active workflow instance", in.EntityType, in.EntityID)
		}
		return in, classify("start instance", "instance", in.ID, err)
	}
	templateID := ""
	if in.TemplateID != nil {
		templateID = *in.TemplateID
	}
	if err := e.emit(ctx, tx, events.InstanceStarted, in, "", req.ActorID, events.EventPayload{
		"template_id":      templateID,
		"template_version": in.TemplateVersion,
		"entity_type":      in.EntityType,
		"entity_id":        in.EntityID,
		"steps":            len(in.Steps),
	}); err != nil {
		return in, classify("start instance", "instance", in.ID, err)
	}
	if req.AdHoc {
		if err := e.emit(ctx, tx, events.ApprovalCreated, in, "", req.ActorID, events.EventPayload{
			"title":       in.Title,
			"entity_type": in.EntityType,
			"entity_id":   in.EntityID,
		}); err != nil {
			return in, classify("start instance", "instance", in.ID, err)
		}
	}
	if err := e.activateFrom(ctx, tx, &in, 1); err != nil {
		return in, classify("start instance", "instance", in.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return in, classify("start instance", "instance", in.ID, err)
	}
	e.Metrics.InstanceStarted(in.CompanyID, in.EntityType)
	e.finished(before, in)
	e.log().Info("workflow instance started",
		zap.String("instance_id", in.ID), zap.String("entity", in.EntityType+"/"+in.EntityID), zap.String("status", in.Status))
	return in, nil
}

type assignment struct {
	Type string
	ID   string
	Name string
}

type unresolvableError struct {
	reason string
}

func (e unresolvableError) Error() string { return e.reason }

// resolveAssignees turns a step assignee into execution targets. A parallel
// role step fans out to every active holder; otherwise the role itself is
// the assignee and works as a shared queue.
func (e Engine) resolveAssignees(ctx context.Context, tx *sql.Tx, companyID string, a domain.Assignee, parallel bool) ([]assignment, error) {
	switch a.Type {
	case domain.AssigneeUser:
		u, err := e.Auth.User(ctx, tx, a.ID)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && u.CompanyID != companyID) {
			return nil, unresolvableError{reason: fmt.Sprintf("user %s not found", a.ID)}
		}
		if err != nil {
			return nil, err
		}
		if !u.Active {
			return nil, unresolvableError{reason: fmt.Sprintf("user %s is inactive", a.ID)}
		}
		return []assignment{{Type: domain.AssigneeUser, ID: u.ID, Name: u.Name}}, nil
	case domain.AssigneeRole:
		holders, err := e.Auth.RoleHolders(ctx, tx, companyID, a.ID)
		if err != nil {
			return nil, err
		}
		if len(holders) == 0 {
			return nil, unresolvableError{reason: fmt.Sprintf("role %s has no active holders", a.ID)}
		}
		if !parallel {
			return []assignment{{Type: domain.AssigneeRole, ID: a.ID, Name: a.ID}}, nil
		}
		out := make([]assignment, 0, len(holders))
		for _, h := range holders {
			out = append(out, assignment{Type: domain.AssigneeUser, ID: h.ID, Name: h.Name})
		}
		return out, nil
	default:
		return nil, unresolvableError{reason: fmt.Sprintf("unknown assignee type %q", a.Type)}
	}
}
