package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"approvline/internal/domain"
)

const templateColumns = `id,company_id,name,description,trigger_entity_type,trigger_on,conditions_json,is_active,created_by,version,created_at,updated_at`

func scanTemplate(s scanner) (domain.Template, error) {
	var t domain.Template
	var desc, conds sql.NullString
	err := s.Scan(&t.ID, &t.CompanyID, &t.Name, &desc, &t.Trigger.EntityType, &t.Trigger.On, &conds, &t.IsActive, &t.CreatedBy, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = desc.String
	if conds.Valid && conds.String != "" {
		var c domain.Conditions
		if err := json.Unmarshal([]byte(conds.String), &c); err != nil {
			return t, fmt.Errorf("decode template %s conditions: %w", t.ID, err)
		}
		t.Conditions = &c
	}
	return t, nil
}

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	conds, err := marshalNullableJSON(t.Conditions, t.Conditions.IsZero())
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO workflow_templates(`+templateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.CompanyID, t.Name, nullable(t.Description), t.Trigger.EntityType, t.Trigger.On, conds, t.IsActive, t.CreatedBy, t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return mapWriteErr(err)
	}
	return r.ReplaceSteps(ctx, tx, t.ID, t.Steps)
}

// UpdateTemplate overwrites the template header and step list when the stored
// version equals expectVersion. The stored version becomes t.Version.
func (r Repo) UpdateTemplate(ctx context.Context, tx *sql.Tx, t domain.Template, expectVersion int) error {
	conds, err := marshalNullableJSON(t.Conditions, t.Conditions.IsZero())
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, r.q(`
UPDATE workflow_templates SET name=?, description=?, trigger_entity_type=?, trigger_on=?, conditions_json=?, is_active=?, version=?, updated_at=?
WHERE id=? AND version=?`),
		t.Name, nullable(t.Description), t.Trigger.EntityType, t.Trigger.On, conds, t.IsActive, t.Version, t.UpdatedAt, t.ID, expectVersion)
	if err := expectAffected(res, err, ErrConflict); err != nil {
		return err
	}
	return r.ReplaceSteps(ctx, tx, t.ID, t.Steps)
}

func (r Repo) SetTemplateActive(ctx context.Context, tx *sql.Tx, id string, active bool, updatedAt string) error {
	res, err := r.conn(tx).ExecContext(ctx, r.q(`UPDATE workflow_templates SET is_active=?, updated_at=? WHERE id=?`), active, updatedAt, id)
	return expectAffected(res, err, ErrNotFound)
}

func (r Repo) DeleteTemplate(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := r.conn(tx).ExecContext(ctx, r.q(`DELETE FROM workflow_steps WHERE template_id=?`), id); err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, r.q(`DELETE FROM workflow_templates WHERE id=?`), id)
	return expectAffected(res, err, ErrNotFound)
}

// TemplateInUse reports whether any instance references the template.
func (r Repo) TemplateInUse(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, r.q(`SELECT 1 FROM workflow_instances WHERE template_id=? LIMIT 1`), id).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ReplaceSteps swaps the whole step list of a template.
func (r Repo) ReplaceSteps(ctx context.Context, tx *sql.Tx, templateID string, steps []domain.StepDefinition) error {
	c := r.conn(tx)
	if _, err := c.ExecContext(ctx, r.q(`DELETE FROM workflow_steps WHERE template_id=?`), templateID); err != nil {
		return err
	}
	for _, s := range steps {
		conds, err := marshalNullableJSON(s.Conditions, s.Conditions.IsZero())
		if err != nil {
			return err
		}
		var escType, escID string
		if s.Escalation != nil {
			escType, escID = s.Escalation.Type, s.Escalation.ID
		}
		_, err = c.ExecContext(ctx, r.q(`
INSERT INTO workflow_steps(template_id,step_number,name,description,step_type,assignee_type,assignee_id,is_required,timeout_hours,auto_approve,allow_parallel,parallel_policy,conditions_json,escalation_type,escalation_id,on_timeout)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
			templateID, s.StepNumber, s.Name, nullable(s.Description), s.StepType, s.AssigneeType, s.AssigneeID, s.Required(),
			s.TimeoutHours, s.AutoApprove, s.AllowParallel, s.Policy(), conds, nullable(escType), nullable(escID), s.TimeoutAction())
		if err != nil {
			return mapWriteErr(err)
		}
	}
	return nil
}

func (r Repo) ListSteps(ctx context.Context, tx *sql.Tx, templateID string) ([]domain.StepDefinition, error) {
	rows, err := r.conn(tx).QueryContext(ctx, r.q(`
SELECT step_number,name,description,step_type,assignee_type,assignee_id,is_required,timeout_hours,auto_approve,allow_parallel,parallel_policy,conditions_json,escalation_type,escalation_id,on_timeout
FROM workflow_steps WHERE template_id=? ORDER BY step_number`), templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []domain.StepDefinition
	for rows.Next() {
		var s domain.StepDefinition
		var desc, conds, escType, escID sql.NullString
		var required bool
		if err := rows.Scan(&s.StepNumber, &s.Name, &desc, &s.StepType, &s.AssigneeType, &s.AssigneeID, &required, &s.TimeoutHours,
			&s.AutoApprove, &s.AllowParallel, &s.ParallelPolicy, &conds, &escType, &escID, &s.OnTimeout); err != nil {
			return nil, err
		}
		s.Description = desc.String
		s.IsRequired = &required
		if conds.Valid && conds.String != "" {
			var c domain.Conditions
			if err := json.Unmarshal([]byte(conds.String), &c); err != nil {
				return nil, fmt.Errorf("decode step %d conditions: %w", s.StepNumber, err)
			}
			s.Conditions = &c
		}
		if escType.Valid && escID.Valid {
			s.Escalation = &domain.Assignee{Type: escType.String, ID: escID.String}
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	return r.GetTemplateTx(ctx, nil, id)
}

func (r Repo) GetTemplateTx(ctx context.Context, tx *sql.Tx, id string) (domain.Template, error) {
	t, err := scanTemplate(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+templateColumns+` FROM workflow_templates WHERE id=?`), id))
	if err != nil {
		return t, err
	}
	t.Steps, err = r.ListSteps(ctx, tx, t.ID)
	return t, err
}

type TemplateFilters struct {
	CompanyID       string
	EntityType      string
	Trigger         string
	Active          *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListTemplates returns templates newest first, without steps unless withSteps.
func (r Repo) ListTemplates(ctx context.Context, f TemplateFilters, withSteps bool) ([]domain.Template, error) {
	var clauses []string
	var args []any
	if f.CompanyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "trigger_entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.Trigger != "" {
		clauses = append(clauses, "trigger_on=?")
		args = append(args, f.Trigger)
	}
	if f.Active != nil {
		clauses = append(clauses, "is_active=?")
		args = append(args, *f.Active)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + templateColumns + ` FROM workflow_templates ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if withSteps {
		for i := range res {
			if res[i].Steps, err = r.ListSteps(ctx, nil, res[i].ID); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

// TriggerCandidates returns active templates of a company listening to
// entityType for operation, oldest first so evaluation order is stable.
func (r Repo) TriggerCandidates(ctx context.Context, companyID, entityType, operation string) ([]domain.Template, error) {
	ons := []string{domain.TriggerCreateOrUpdate}
	if operation == domain.TriggerCreate || operation == domain.TriggerUpdate {
		ons = append(ons, operation)
	}
	args := []any{companyID, entityType, true}
	args = append(args, stringArgs(ons)...)
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+templateColumns+` FROM workflow_templates
WHERE company_id=? AND trigger_entity_type=? AND is_active=? AND trigger_on IN (`+placeholders(len(ons))+`)
ORDER BY created_at, id`), args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Steps, err = r.ListSteps(ctx, nil, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}
