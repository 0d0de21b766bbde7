package engine

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"approvline/internal/condition"
	"approvline/internal/domain"
	"approvline/internal/events"
	"approvline/internal/repo"
)

// CreateTemplate validates and stores a new template at version 1.
func (e Engine) CreateTemplate(ctx context.Context, t domain.Template, actor Actor) (domain.Template, error) {
	if err := validActor(actor); err != nil {
		return t, err
	}
	now := e.ts()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CompanyID = actor.CompanyID
	t.CreatedBy = actor.UserID
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	normalizeSteps(t.Steps)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, classify("create template", "template", t.ID, err)
	}
	defer tx.Rollback()
	if err := e.validateTemplate(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
		if repo.IsUniqueViolation(err) {
			return t, conflict("template %s already exists", t.ID)
		}
		return t, classify("create template", "template", t.ID, err)
	}
	if err := e.emitTemplate(ctx, tx, events.TemplateCreated, t, actor.UserID); err != nil {
		return t, classify("create template", "template", t.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return t, classify("create template", "template", t.ID, err)
	}
	return t, nil
}

// UpdateTemplate replaces header and steps of a template. expectVersion 0
// skips the optimistic check. Running instances keep the steps they were
// created with.
func (e Engine) UpdateTemplate(ctx context.Context, id string, t domain.Template, expectVersion int, actor Actor) (domain.Template, error) {
	if err := validActor(actor); err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, classify("update template", "template", id, err)
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetTemplateTx(ctx, tx, id)
	if err != nil || cur.CompanyID != actor.CompanyID {
		return t, classify("update template", "template", id, orNotFound(err))
	}
	if expectVersion == 0 {
		expectVersion = cur.Version
	}
	if expectVersion != cur.Version {
		return t, conflict("template %s is at version %d, not %d", id, cur.Version, expectVersion)
	}
	t.ID = cur.ID
	t.CompanyID = cur.CompanyID
	t.CreatedBy = cur.CreatedBy
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = e.ts()
	t.Version = cur.Version + 1
	normalizeSteps(t.Steps)
	if err := e.validateTemplate(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Repo.UpdateTemplate(ctx, tx, t, expectVersion); err != nil {
		return t, classify("update template", "template", id, err)
	}
	if err := e.emitTemplate(ctx, tx, events.TemplateUpdated, t, actor.UserID); err != nil {
		return t, classify("update template", "template", id, err)
	}
	if err := tx.Commit(); err != nil {
		return t, classify("update template", "template", id, err)
	}
	return t, nil
}

// SetTemplateActive toggles is_active. A template needs steps to be activated.
func (e Engine) SetTemplateActive(ctx context.Context, id string, active bool, actor Actor) (domain.Template, error) {
	if err := validActor(actor); err != nil {
		return domain.Template{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, classify("set template active", "template", id, err)
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTemplateTx(ctx, tx, id)
	if err != nil || t.CompanyID != actor.CompanyID {
		return domain.Template{}, classify("set template active", "template", id, orNotFound(err))
	}
	if active && len(t.Steps) == 0 {
		return t, invalid("steps", "template %s has no steps and cannot be activated", id)
	}
	if t.IsActive == active {
		return t, nil
	}
	t.IsActive = active
	t.UpdatedAt = e.ts()
	if err := e.Repo.SetTemplateActive(ctx, tx, id, active, t.UpdatedAt); err != nil {
		return t, classify("set template active", "template", id, err)
	}
	evt := events.TemplateDeactivated
	if active {
		evt = events.TemplateActivated
	}
	if err := e.emitTemplate(ctx, tx, evt, t, actor.UserID); err != nil {
		return t, classify("set template active", "template", id, err)
	}
	if err := tx.Commit(); err != nil {
		return t, classify("set template active", "template", id, err)
	}
	return t, nil
}

// DeleteTemplate removes a template no instance refers to. Templates with
// history can only be deactivated.
func (e Engine) DeleteTemplate(ctx context.Context, id string, actor Actor) error {
	if err := validActor(actor); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify("delete template", "template", id, err)
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTemplateTx(ctx, tx, id)
	if err != nil || t.CompanyID != actor.CompanyID {
		return classify("delete template", "template", id, orNotFound(err))
	}
	inUse, err := e.Repo.TemplateInUse(ctx, tx, id)
	if err != nil {
		return classify("delete template", "template", id, err)
	}
	if inUse {
		return conflict("template %s is referenced by workflow instances; deactivate it instead", id)
	}
	if err := e.Repo.DeleteTemplate(ctx, tx, id); err != nil {
		return classify("delete template", "template", id, err)
	}
	if err := e.emitTemplate(ctx, tx, events.TemplateDeleted, t, actor.UserID); err != nil {
		return classify("delete template", "template", id, err)
	}
	return classify("delete template", "template", id, tx.Commit())
}

func (e Engine) GetTemplate(ctx context.Context, id string, actor Actor) (domain.Template, error) {
	t, err := e.Repo.GetTemplate(ctx, id)
	if err != nil || t.CompanyID != actor.CompanyID {
		return domain.Template{}, classify("get template", "template", id, orNotFound(err))
	}
	return t, nil
}

func (e Engine) ListTemplates(ctx context.Context, f repo.TemplateFilters, actor Actor) ([]domain.Template, error) {
	f.CompanyID = actor.CompanyID
	ts, err := e.Repo.ListTemplates(ctx, f, true)
	return ts, classify("list templates", "template", "", err)
}

func (e Engine) emitTemplate(ctx context.Context, tx *sql.Tx, evtType string, t domain.Template, actorID string) error {
	ev := e.Events
	ev.Now = e.now
	_, err := ev.Append(ctx, tx, evtType, t.CompanyID, "", "", actorID, events.EventPayload{
		"template_id": t.ID,
		"version":     t.Version,
		"is_active":   t.IsActive,
		"steps":       len(t.Steps),
	})
	return err
}

// normalizeSteps numbers unnumbered steps by position.
func normalizeSteps(steps []domain.StepDefinition) {
	for i := range steps {
		if steps[i].StepNumber == 0 {
			steps[i].StepNumber = i + 1
		}
		if steps[i].StepType == "" {
			steps[i].StepType = domain.StepApproval
		}
	}
}

func (e Engine) validateTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return invalid("name", "name is required")
	}
	if strings.TrimSpace(t.Trigger.EntityType) == "" {
		return invalid("trigger.entity_type", "entity type is required")
	}
	switch t.Trigger.On {
	case domain.TriggerCreate, domain.TriggerUpdate, domain.TriggerCreateOrUpdate, domain.TriggerManual:
	default:
		return invalid("trigger.on", "must be create, update, create_or_update or manual, got %q", t.Trigger.On)
	}
	if err := condition.Validate(t.Conditions); err != nil {
		return invalid("trigger_conditions", "%v", err)
	}
	if t.IsActive && len(t.Steps) == 0 {
		return invalid("steps", "an active template needs at least one step")
	}
	for i, s := range t.Steps {
		if s.StepNumber != i+1 {
			return invalid("steps", "step numbers must be contiguous from 1, step %d has number %d", i+1, s.StepNumber)
		}
		if err := e.validateStep(ctx, tx, t.CompanyID, s); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) validateStep(ctx context.Context, tx *sql.Tx, companyID string, s domain.StepDefinition) error {
	field := func(name string) string { return "steps[" + strconv.Itoa(s.StepNumber) + "]." + name }
	if strings.TrimSpace(s.Name) == "" {
		return invalid(field("name"), "name is required")
	}
	switch s.StepType {
	case domain.StepApproval, domain.StepReview, domain.StepNotification, domain.StepCondition:
	default:
		return invalid(field("step_type"), "unknown step type %q", s.StepType)
	}
	if s.TimeoutHours < 0 {
		return invalid(field("timeout_hours"), "must be >= 0")
	}
	switch s.Policy() {
	case domain.ParallelAll, domain.ParallelAny, domain.ParallelMajority:
	default:
		return invalid(field("parallel_policy"), "unknown policy %q", s.ParallelPolicy)
	}
	switch s.TimeoutAction() {
	case domain.TimeoutReject, domain.TimeoutSkip:
	default:
		return invalid(field("on_timeout"), "must be reject or skip")
	}
	if err := condition.Validate(s.Conditions); err != nil {
		return invalid(field("conditions"), "%v", err)
	}
	if s.StepType == domain.StepCondition {
		if s.Conditions.IsZero() {
			return invalid(field("conditions"), "condition steps need conditions")
		}
		return nil
	}
	if err := e.validateAssignee(ctx, tx, companyID, domain.Assignee{Type: s.AssigneeType, ID: s.AssigneeID}); err != nil {
		return withField(field("assignee"), err)
	}
	if s.Escalation != nil {
		if err := e.validateAssignee(ctx, tx, companyID, *s.Escalation); err != nil {
			return withField(field("escalation"), err)
		}
	}
	return nil
}

// validateAssignee checks that the referenced user or role exists. Holders
// are resolved later, when the step activates.
func (e Engine) validateAssignee(ctx context.Context, tx *sql.Tx, companyID string, a domain.Assignee) error {
	if strings.TrimSpace(a.ID) == "" {
		return invalidf("assignee id is required")
	}
	switch a.Type {
	case domain.AssigneeUser:
		u, err := e.Auth.User(ctx, tx, a.ID)
		if err == repo.ErrNotFound || (err == nil && u.CompanyID != companyID) {
			return invalidf("user %s not found", a.ID)
		}
		return err
	case domain.AssigneeRole:
		ok, err := e.Auth.RoleExists(ctx, tx, companyID, a.ID)
		if err != nil {
			return err
		}
		if !ok {
			return invalidf("role %s not found", a.ID)
		}
		return nil
	default:
		return invalidf("assignee type must be user or role, got %q", a.Type)
	}
}

func orNotFound(err error) error {
	if err == nil {
		return repo.ErrNotFound
	}
	return err
}
