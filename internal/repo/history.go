package repo

import (
	"context"
	"database/sql"
	"strings"

	"approvline/internal/domain"
)

func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO approval_comments(id,execution_id,instance_id,author_id,body,is_internal,created_at) VALUES (?,?,?,?,?,?,?)`),
		c.ID, c.ExecutionID, c.InstanceID, c.AuthorID, c.Body, c.IsInternal, c.CreatedAt)
	return err
}

// ListComments returns comments of an execution oldest first. Internal
// comments are dropped unless includeInternal.
func (r Repo) ListComments(ctx context.Context, executionID string, includeInternal bool) ([]domain.Comment, error) {
	query := `SELECT id,execution_id,instance_id,author_id,body,is_internal,created_at FROM approval_comments WHERE execution_id=?`
	args := []any{executionID}
	if !includeInternal {
		query += ` AND is_internal=?`
		args = append(args, false)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.ExecutionID, &c.InstanceID, &c.AuthorID, &c.Body, &c.IsInternal, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertReassignment(ctx context.Context, tx *sql.Tx, ra domain.Reassignment) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO reassignments(id,execution_id,target_execution_id,from_type,from_id,to_type,to_id,reason,kind,actor_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		ra.ID, ra.ExecutionID, nullable(ra.TargetExecutionID), ra.FromType, ra.FromID, ra.ToType, ra.ToID, nullable(ra.Reason), ra.Kind, ra.ActorID, ra.CreatedAt)
	return err
}

// ListReassignments returns the reassignment trail of every execution of an instance.
func (r Repo) ListReassignments(ctx context.Context, instanceID string) ([]domain.Reassignment, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`
SELECT ra.id, ra.execution_id, COALESCE(ra.target_execution_id,''), ra.from_type, ra.from_id, ra.to_type, ra.to_id, COALESCE(ra.reason,''), ra.kind, ra.actor_id, ra.created_at
FROM reassignments ra JOIN step_executions x ON x.id=ra.execution_id
WHERE x.instance_id=? ORDER BY ra.created_at, ra.id`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reassignment
	for rows.Next() {
		var ra domain.Reassignment
		if err := rows.Scan(&ra.ID, &ra.ExecutionID, &ra.TargetExecutionID, &ra.FromType, &ra.FromID, &ra.ToType, &ra.ToID, &ra.Reason, &ra.Kind, &ra.ActorID, &ra.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, ra)
	}
	return res, rows.Err()
}

type EventFilters struct {
	CompanyID   string
	Type        string
	InstanceID  string
	ExecutionID string
	// Before pages backwards from an event id.
	Before int64
	Limit  int
}

// LatestEvents returns matching events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CompanyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.InstanceID != "" {
		clauses = append(clauses, "instance_id=?")
		args = append(args, f.InstanceID)
	}
	if f.ExecutionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, f.ExecutionID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	return r.queryEvents(ctx, `SELECT id,ts,type,company_id,instance_id,execution_id,actor_id,payload_json FROM events WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
}

// InstanceHistory returns every event of an instance in order.
func (r Repo) InstanceHistory(ctx context.Context, instanceID string) ([]domain.Event, error) {
	return r.queryEvents(ctx, `SELECT id,ts,type,company_id,instance_id,execution_id,actor_id,payload_json FROM events WHERE instance_id=? ORDER BY id`, instanceID)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,company_id,instance_id,execution_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var instanceID, executionID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CompanyID, &instanceID, &executionID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.InstanceID = instanceID.String
		e.ExecutionID = executionID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// RelayCursor returns the last delivered event id for a named consumer.
func (r Repo) RelayCursor(ctx context.Context, name string) (int64, bool, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT last_event_id FROM relay_cursors WHERE name=?`), name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r Repo) SetRelayCursor(ctx context.Context, name string, id int64, now string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO relay_cursors(name,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`), name, id, now)
	return err
}
