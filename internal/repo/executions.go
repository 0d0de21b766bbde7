package repo

import (
	"context"
	"database/sql"
	"strings"

	"approvline/internal/domain"
)

const executionColumns = `id,instance_id,step_number,round,status,assignee_type,assigned_to,assignee_name,decision,decided_by,notes,escalated_from,superseded,timeout_at,created_at,updated_at,started_at,completed_at,version`

func scanExecution(s scanner) (domain.StepExecution, error) {
	var x domain.StepExecution
	var name, decision, decidedBy, notes, escalatedFrom, timeoutAt, startedAt, completedAt sql.NullString
	err := s.Scan(&x.ID, &x.InstanceID, &x.StepNumber, &x.Round, &x.Status, &x.AssigneeType, &x.AssignedTo, &name, &decision, &decidedBy,
		&notes, &escalatedFrom, &x.Superseded, &timeoutAt, &x.CreatedAt, &x.UpdatedAt, &startedAt, &completedAt, &x.Version)
	if err == sql.ErrNoRows {
		return x, ErrNotFound
	}
	if err != nil {
		return x, err
	}
	x.AssigneeName = name.String
	x.Decision = decision.String
	x.DecidedBy = decidedBy.String
	x.Notes = notes.String
	x.EscalatedFrom = ptrFromNull(escalatedFrom)
	x.TimeoutAt = ptrFromNull(timeoutAt)
	x.StartedAt = ptrFromNull(startedAt)
	x.CompletedAt = ptrFromNull(completedAt)
	return x, nil
}

func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, x domain.StepExecution) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO step_executions(`+executionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		x.ID, x.InstanceID, x.StepNumber, x.Round, x.Status, x.AssigneeType, x.AssignedTo, nullable(x.AssigneeName),
		nullable(x.Decision), nullable(x.DecidedBy), nullable(x.Notes), nullableStringPtr(x.EscalatedFrom), x.Superseded,
		nullableStringPtr(x.TimeoutAt), x.CreatedAt, x.UpdatedAt, nullableStringPtr(x.StartedAt), nullableStringPtr(x.CompletedAt), x.Version)
	return mapWriteErr(err)
}

// UpdateExecution is the single write path for executions: a compare-and-swap
// on version and on the current status being one of from. On success x.Version
// is bumped; a lost race returns ErrConflict.
func (r Repo) UpdateExecution(ctx context.Context, tx *sql.Tx, x *domain.StepExecution, from ...string) error {
	args := []any{x.Round, x.Status, x.AssigneeType, x.AssignedTo, nullable(x.AssigneeName), nullable(x.Decision), nullable(x.DecidedBy),
		nullable(x.Notes), x.Superseded, nullableStringPtr(x.TimeoutAt), x.UpdatedAt, nullableStringPtr(x.StartedAt),
		nullableStringPtr(x.CompletedAt), x.ID, x.Version}
	query := `UPDATE step_executions SET round=?, status=?, assignee_type=?, assigned_to=?, assignee_name=?, decision=?, decided_by=?, notes=?,
superseded=?, timeout_at=?, updated_at=?, started_at=?, completed_at=?, version=version+1
WHERE id=? AND version=?`
	if len(from) > 0 {
		query += ` AND status IN (` + placeholders(len(from)) + `)`
		args = append(args, stringArgs(from)...)
	}
	res, err := r.conn(tx).ExecContext(ctx, r.q(query), args...)
	if err := expectAffected(res, err, ErrConflict); err != nil {
		return err
	}
	x.Version++
	return nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.StepExecution, error) {
	return r.GetExecutionTx(ctx, nil, id)
}

func (r Repo) GetExecutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.StepExecution, error) {
	return scanExecution(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+executionColumns+` FROM step_executions WHERE id=?`), id))
}

// ListExecutions returns executions of an instance ordered by round, step and
// creation. round <= 0 means every round.
func (r Repo) ListExecutions(ctx context.Context, tx *sql.Tx, instanceID string, round int) ([]domain.StepExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM step_executions WHERE instance_id=?`
	args := []any{instanceID}
	if round > 0 {
		query += ` AND round=?`
		args = append(args, round)
	}
	query += ` ORDER BY round, step_number, created_at, id`
	return r.listExecutions(ctx, tx, query, args...)
}

// StepExecutions returns the executions of one step in one round, escalated-away ones included.
func (r Repo) StepExecutions(ctx context.Context, tx *sql.Tx, instanceID string, round, step int) ([]domain.StepExecution, error) {
	return r.listExecutions(ctx, tx, `SELECT `+executionColumns+` FROM step_executions
WHERE instance_id=? AND round=? AND step_number=? ORDER BY created_at, id`, instanceID, round, step)
}

// DueExecution is one row of the timeout sweep, keyed for paging.
type DueExecution struct {
	ID        string
	TimeoutAt string
}

// DueExecutions returns open executions whose timeout passed at now, ordered
// by (timeout_at, id) and starting after the given row when it is set.
func (r Repo) DueExecutions(ctx context.Context, now string, after DueExecution, limit int) ([]DueExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, timeout_at FROM step_executions
WHERE status IN (?,?) AND superseded=? AND timeout_at IS NOT NULL AND timeout_at <= ?`
	args := []any{domain.ExecAssigned, domain.ExecInProgress, false, now}
	if after.ID != "" {
		query += ` AND (timeout_at > ? OR (timeout_at = ? AND id > ?))`
		args = append(args, after.TimeoutAt, after.TimeoutAt, after.ID)
	}
	query += ` ORDER BY timeout_at, id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DueExecution
	for rows.Next() {
		var d DueExecution
		if err := rows.Scan(&d.ID, &d.TimeoutAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) listExecutions(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.StepExecution, error) {
	rows, err := r.conn(tx).QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepExecution
	for rows.Next() {
		x, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, rows.Err()
}

type ApprovalFilters struct {
	CompanyID string
	// UserID and Roles select executions assigned to the user directly or to one of the roles.
	UserID          string
	Roles           []string
	Statuses        []string
	InstanceID      string
	EntityType      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ApprovalRow pairs an execution with its instance.
type ApprovalRow struct {
	Execution domain.StepExecution
	Instance  domain.Instance
}

func prefixed(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ",")
}

// ListApprovals lists executions joined with their instances, newest first.
func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilters) ([]ApprovalRow, error) {
	clauses := []string{"x.superseded=?"}
	args := []any{false}
	if f.CompanyID != "" {
		clauses = append(clauses, "i.company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.InstanceID != "" {
		clauses = append(clauses, "x.instance_id=?")
		args = append(args, f.InstanceID)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "i.entity_type=?")
		args = append(args, f.EntityType)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "x.status IN ("+placeholders(len(f.Statuses))+")")
		args = append(args, stringArgs(f.Statuses)...)
	}
	if f.UserID != "" || len(f.Roles) > 0 {
		var who []string
		if f.UserID != "" {
			who = append(who, "(x.assignee_type=? AND x.assigned_to=?)")
			args = append(args, domain.AssigneeUser, f.UserID)
		}
		if len(f.Roles) > 0 {
			who = append(who, "(x.assignee_type=? AND x.assigned_to IN ("+placeholders(len(f.Roles))+"))")
			args = append(args, domain.AssigneeRole)
			args = append(args, stringArgs(f.Roles)...)
		}
		clauses = append(clauses, "("+strings.Join(who, " OR ")+")")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(x.created_at < ? OR (x.created_at = ? AND x.id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + prefixed(executionColumns, "x") + `
FROM step_executions x JOIN workflow_instances i ON i.id=x.instance_id
WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY x.created_at DESC, x.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	execs, err := r.listExecutions(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	instances := map[string]domain.Instance{}
	res := make([]ApprovalRow, 0, len(execs))
	for _, x := range execs {
		in, ok := instances[x.InstanceID]
		if !ok {
			if in, err = r.GetInstance(ctx, x.InstanceID); err != nil {
				return nil, err
			}
			instances[x.InstanceID] = in
		}
		res = append(res, ApprovalRow{Execution: x, Instance: in})
	}
	return res, nil
}
