package engine

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"approvline/internal/config"
	"approvline/internal/db"
	"approvline/internal/domain"
	"approvline/internal/engine/auth"
	"approvline/internal/events"
	"approvline/internal/metrics"
	"approvline/internal/repo"
)

// SystemActor is recorded as the actor of transitions nobody requested
// directly: auto-approvals, timeouts and escalations.
const SystemActor = "system"

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Directory
	Config  *config.Config
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time

	// SweepBatch caps the rows one timeout sweep page reads; zero means 200.
	SweepBatch int
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID    string
	CompanyID string
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	dialect := db.SQLite
	if cfg != nil && cfg.Database.Driver == config.DriverPostgres {
		dialect = db.Postgres
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Engine{
		DB:     conn,
		Repo:   r,
		Events: events.Writer{Dialect: dialect},
		Auth:   auth.Service{Repo: r},
		Config: cfg,
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, evtType string, in domain.Instance, executionID, actorID string, payload events.EventPayload) error {
	ev := e.Events
	ev.Now = e.now
	_, err := ev.Append(ctx, tx, evtType, in.CompanyID, in.ID, executionID, actorID, payload)
	return err
}

func (e Engine) requirePermission(ctx context.Context, tx *sql.Tx, actor Actor, action, perm string) error {
	if trusted(actor) {
		return nil
	}
	if err := auth.Require(ctx, e.Auth, tx, actor.CompanyID, actor.UserID, perm); err != nil {
		if _, ok := err.(auth.ForbiddenError); ok {
			return UnauthorizedError{ActorID: actor.UserID, Action: action, Permission: perm}
		}
		return err
	}
	return nil
}

func (e Engine) hasPermission(ctx context.Context, tx *sql.Tx, actor Actor, perm string) (bool, error) {
	if trusted(actor) {
		return true, nil
	}
	return e.Auth.HasPermission(ctx, tx, actor.CompanyID, actor.UserID, perm)
}

// finished records metrics once an instance left the active set.
func (e Engine) finished(before, after domain.Instance) {
	if before.Active() && !after.Active() {
		e.Metrics.InstanceFinished(after.Status, after.Outcome)
	}
}

func validActor(actor Actor) error {
	if actor.UserID == "" {
		return invalid("actor", "actor user id required")
	}
	if actor.CompanyID == "" {
		return invalid("actor", "actor company id required")
	}
	return nil
}

func deadline(now time.Time, hours int) *string {
	if hours <= 0 {
		return nil
	}
	s := now.Add(time.Duration(hours) * time.Hour).UTC().Format(time.RFC3339)
	return &s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
