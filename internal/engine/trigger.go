package engine

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"approvline/internal/condition"
	"approvline/internal/domain"
	"approvline/internal/events"
	"approvline/internal/repo"
)

type EvaluationResult struct {
	Instances []domain.Instance `json:"instances"`
	Skipped   []SkippedTemplate `json:"skipped,omitempty"`
	Errors    []TemplateError   `json:"errors,omitempty"`
}

type SkippedTemplate struct {
	TemplateID string `json:"template_id"`
	Reason     string `json:"reason"`
	InstanceID string `json:"instance_id,omitempty"`
}

type TemplateError struct {
	TemplateID string `json:"template_id"`
	Error      string `json:"error"`
}

// Evaluate runs an entity mutation against every active template of the
// company listening for it and starts the matching ones. An entity that
// already has an active instance is skipped, which makes re-delivery of the
// same event harmless. A failing template never stops the others.
func (e Engine) Evaluate(ctx context.Context, evt domain.EntityEvent) (EvaluationResult, error) {
	res := EvaluationResult{Instances: []domain.Instance{}}
	if err := validateEntityEvent(evt); err != nil {
		return res, err
	}
	candidates, err := e.Repo.TriggerCandidates(ctx, evt.CompanyID, evt.EntityType, evt.Operation)
	if err != nil {
		return res, classify("evaluate", "template", "", err)
	}
	for _, t := range candidates {
		ok, err := condition.Evaluate(t.Conditions, evt.EntityType, evt.Snapshot)
		if err != nil {
			e.templateError(ctx, &res, evt, t, err)
			continue
		}
		if !ok {
			e.Metrics.TriggerEvaluated("unmatched")
			continue
		}
		active, err := e.Repo.ActiveInstanceFor(ctx, nil, evt.CompanyID, evt.EntityType, evt.EntityID)
		switch {
		case err == nil:
			e.skipTemplate(ctx, &res, evt, t, active.ID)
			continue
		case !errors.Is(err, repo.ErrNotFound):
			e.templateError(ctx, &res, evt, t, err)
			continue
		}
		tid := t.ID
		in, err := e.startInstance(ctx, startRequest{
			CompanyID:       evt.CompanyID,
			TemplateID:      &tid,
			TemplateVersion: t.Version,
			Title:           t.Name,
			Description:     t.Description,
			EntityType:      evt.EntityType,
			EntityID:        evt.EntityID,
			Steps:           t.Steps,
			Snapshot:        evt.Snapshot,
			ActorID:         evt.ActorID,
		})
		if IsConflict(err) {
			e.skipTemplate(ctx, &res, evt, t, "")
			continue
		}
		if err != nil {
			e.templateError(ctx, &res, evt, t, err)
			continue
		}
		e.Metrics.TriggerEvaluated("matched")
		res.Instances = append(res.Instances, in)
		if in.Status == domain.InstanceFailed {
			res.Errors = append(res.Errors, TemplateError{TemplateID: t.ID, Error: "instance " + in.ID + " failed on activation"})
		}
	}
	return res, nil
}

func validateEntityEvent(evt domain.EntityEvent) error {
	switch {
	case strings.TrimSpace(evt.CompanyID) == "":
		return invalid("company_id", "company id is required")
	case strings.TrimSpace(evt.EntityType) == "":
		return invalid("entity_type", "entity type is required")
	case strings.TrimSpace(evt.EntityID) == "":
		return invalid("entity_id", "entity id is required")
	case evt.Operation != domain.TriggerCreate && evt.Operation != domain.TriggerUpdate:
		return invalid("operation", "must be create or update, got %q", evt.Operation)
	case strings.TrimSpace(evt.ActorID) == "":
		return invalid("actor_id", "actor id is required")
	}
	return nil
}

func (e Engine) skipTemplate(ctx context.Context, res *EvaluationResult, evt domain.EntityEvent, t domain.Template, activeID string) {
	e.Metrics.TriggerEvaluated("skipped")
	res.Skipped = append(res.Skipped, SkippedTemplate{TemplateID: t.ID, Reason: "active instance exists", InstanceID: activeID})
	e.diagnostic(ctx, events.TriggerSkipped, evt, activeID, events.EventPayload{
		"template_id": t.ID,
		"entity_type": evt.EntityType,
		"entity_id":   evt.EntityID,
		"reason":      "active instance exists",
	})
}

func (e Engine) templateError(ctx context.Context, res *EvaluationResult, evt domain.EntityEvent, t domain.Template, err error) {
	e.Metrics.TriggerEvaluated("error")
	e.log().Warn("template evaluation failed",
		zap.String("template_id", t.ID), zap.String("entity", evt.EntityType+"/"+evt.EntityID), zap.Error(err))
	res.Errors = append(res.Errors, TemplateError{TemplateID: t.ID, Error: err.Error()})
	e.diagnostic(ctx, events.TriggerError, evt, "", events.EventPayload{
		"template_id": t.ID,
		"entity_type": evt.EntityType,
		"entity_id":   evt.EntityID,
		"error":       err.Error(),
	})
}

// diagnostic records an evaluator event in its own transaction. Failures are
// logged only.
func (e Engine) diagnostic(ctx context.Context, evtType string, evt domain.EntityEvent, instanceID string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.log().Warn("diagnostic event dropped", zap.String("type", evtType), zap.Error(err))
		return
	}
	defer tx.Rollback()
	w := e.Events
	w.Now = e.now
	if _, err := w.Append(ctx, tx, evtType, evt.CompanyID, instanceID, "", evt.ActorID, payload); err != nil {
		e.log().Warn("diagnostic event dropped", zap.String("type", evtType), zap.Error(err))
		return
	}
	if err := tx.Commit(); err != nil {
		e.log().Warn("diagnostic event dropped", zap.String("type", evtType), zap.Error(err))
	}
}

type RunInput struct {
	TemplateID string
	EntityID   string
	Snapshot   map[string]any
	Title      string
	// CheckConditions makes a manual run honour the template conditions.
	CheckConditions bool
	Actor           Actor
}

// RunManual starts a template explicitly for one entity.
func (e Engine) RunManual(ctx context.Context, in RunInput) (domain.Instance, error) {
	if err := validActor(in.Actor); err != nil {
		return domain.Instance{}, err
	}
	if strings.TrimSpace(in.EntityID) == "" {
		return domain.Instance{}, invalid("entity_id", "entity id is required")
	}
	t, err := e.Repo.GetTemplate(ctx, in.TemplateID)
	if err != nil || t.CompanyID != in.Actor.CompanyID {
		return domain.Instance{}, classify("run template", "template", in.TemplateID, orNotFound(err))
	}
	if !t.IsActive {
		return domain.Instance{}, invalid("template_id", "template %s is not active", t.ID)
	}
	if in.CheckConditions {
		ok, err := condition.Evaluate(t.Conditions, t.Trigger.EntityType, in.Snapshot)
		if err != nil {
			return domain.Instance{}, invalid("trigger_conditions", "%v", err)
		}
		if !ok {
			return domain.Instance{}, invalid("snapshot", "template %s conditions are not met", t.ID)
		}
	}
	title := in.Title
	if title == "" {
		title = t.Name
	}
	tid := t.ID
	return e.startInstance(ctx, startRequest{
		CompanyID:       t.CompanyID,
		TemplateID:      &tid,
		TemplateVersion: t.Version,
		Title:           title,
		Description:     t.Description,
		EntityType:      t.Trigger.EntityType,
		EntityID:        in.EntityID,
		Steps:           t.Steps,
		Snapshot:        in.Snapshot,
		ActorID:         in.Actor.UserID,
	})
}
