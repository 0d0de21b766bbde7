package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"approvline/internal/domain"
)

const instanceColumns = `id,company_id,template_id,template_version,title,description,priority,status,outcome,entity_type,entity_id,current_step_number,round,steps_json,snapshot_json,triggered_by,started_at,updated_at,completed_at,cancelled_at,version`

func scanInstance(s scanner) (domain.Instance, error) {
	var in domain.Instance
	var templateID, desc, priority, outcome, snapshot, completedAt, cancelledAt sql.NullString
	var steps string
	err := s.Scan(&in.ID, &in.CompanyID, &templateID, &in.TemplateVersion, &in.Title, &desc, &priority, &in.Status, &outcome,
		&in.EntityType, &in.EntityID, &in.CurrentStepNumber, &in.Round, &steps, &snapshot, &in.TriggeredBy,
		&in.StartedAt, &in.UpdatedAt, &completedAt, &cancelledAt, &in.Version)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.TemplateID = ptrFromNull(templateID)
	in.Description = desc.String
	in.Priority = priority.String
	in.Outcome = outcome.String
	in.CompletedAt = ptrFromNull(completedAt)
	in.CancelledAt = ptrFromNull(cancelledAt)
	if err := json.Unmarshal([]byte(steps), &in.Steps); err != nil {
		return in, fmt.Errorf("decode instance %s steps: %w", in.ID, err)
	}
	if snapshot.Valid && snapshot.String != "" {
		if err := json.Unmarshal([]byte(snapshot.String), &in.Snapshot); err != nil {
			return in, fmt.Errorf("decode instance %s snapshot: %w", in.ID, err)
		}
	}
	return in, nil
}

// InsertInstance creates an instance. A second active instance for the same
// entity violates ux_instances_active_entity and surfaces as ErrConflict.
func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, in domain.Instance) error {
	steps, err := marshalJSON(in.Steps)
	if err != nil {
		return err
	}
	snapshot, err := marshalNullableJSON(in.Snapshot, in.Snapshot == nil)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO workflow_instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		in.ID, in.CompanyID, nullableStringPtr(in.TemplateID), in.TemplateVersion, in.Title, nullable(in.Description), nullable(in.Priority),
		in.Status, nullable(in.Outcome), in.EntityType, in.EntityID, in.CurrentStepNumber, in.Round, steps, snapshot, in.TriggeredBy,
		in.StartedAt, in.UpdatedAt, nullableStringPtr(in.CompletedAt), nullableStringPtr(in.CancelledAt), in.Version)
	return mapWriteErr(err)
}

// UpdateInstance writes the mutable instance fields when the stored version
// still equals in.Version and bumps it. Returns ErrConflict otherwise.
func (r Repo) UpdateInstance(ctx context.Context, tx *sql.Tx, in *domain.Instance) error {
	res, err := r.conn(tx).ExecContext(ctx, r.q(`
UPDATE workflow_instances SET status=?, outcome=?, current_step_number=?, round=?, updated_at=?, completed_at=?, cancelled_at=?, version=version+1
WHERE id=? AND version=?`),
		in.Status, nullable(in.Outcome), in.CurrentStepNumber, in.Round, in.UpdatedAt, nullableStringPtr(in.CompletedAt), nullableStringPtr(in.CancelledAt),
		in.ID, in.Version)
	if err := expectAffected(res, err, ErrConflict); err != nil {
		return err
	}
	in.Version++
	return nil
}

// LockInstance takes the write lock on an instance whose status is one of
// statuses and returns its fresh state. The version bump makes concurrent
// writers of the same instance queue behind this transaction.
func (r Repo) LockInstance(ctx context.Context, tx *sql.Tx, id string, statuses ...string) (domain.Instance, error) {
	args := []any{id}
	args = append(args, stringArgs(statuses)...)
	res, err := tx.ExecContext(ctx, r.q(`UPDATE workflow_instances SET version=version+1 WHERE id=? AND status IN (`+placeholders(len(statuses))+`)`), args...)
	if err := expectAffected(res, err, ErrConflict); err != nil {
		if err == ErrConflict {
			if _, getErr := r.GetInstanceTx(ctx, tx, id); getErr == ErrNotFound {
				return domain.Instance{}, ErrNotFound
			}
		}
		return domain.Instance{}, err
	}
	return r.GetInstanceTx(ctx, tx, id)
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	return r.GetInstanceTx(ctx, nil, id)
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Instance, error) {
	return scanInstance(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+instanceColumns+` FROM workflow_instances WHERE id=?`), id))
}

// ActiveInstanceFor returns the pending or in_progress instance of an entity.
func (r Repo) ActiveInstanceFor(ctx context.Context, tx *sql.Tx, companyID, entityType, entityID string) (domain.Instance, error) {
	return scanInstance(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+instanceColumns+` FROM workflow_instances
WHERE company_id=? AND entity_type=? AND entity_id=? AND status IN (?,?) LIMIT 1`),
		companyID, entityType, entityID, domain.InstancePending, domain.InstanceInProgress))
}

type InstanceFilters struct {
	CompanyID       string
	Status          string
	Outcome         string
	EntityType      string
	EntityID        string
	TemplateID      string
	TriggeredBy     string
	Limit           int
	CursorStartedAt string
	CursorID        string
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.Instance, error) {
	var clauses []string
	var args []any
	add := func(clause string, v string) {
		if v != "" {
			clauses = append(clauses, clause)
			args = append(args, v)
		}
	}
	add("company_id=?", f.CompanyID)
	add("status=?", f.Status)
	add("outcome=?", f.Outcome)
	add("entity_type=?", f.EntityType)
	add("entity_id=?", f.EntityID)
	add("template_id=?", f.TemplateID)
	add("triggered_by=?", f.TriggeredBy)
	if f.CursorStartedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, f.CursorStartedAt, f.CursorStartedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}
