package auth

import (
	"context"
	"database/sql"
	"fmt"

	"approvline/internal/domain"
	"approvline/internal/repo"
)

const (
	PermTemplateRead    = "template.read"
	PermTemplateWrite   = "template.write"
	PermInstanceRead    = "instance.read"
	PermInstanceStart   = "instance.start"
	PermInstanceCancel  = "instance.cancel"
	PermReassign        = "workflow.reassign"
	PermOverride        = "workflow.override"
	PermInternalComment = "workflow.comment.internal"
	PermEventsRead      = "events.read"
	PermDirectoryAdmin  = "directory.admin"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Directory resolves users, roles and permissions of a company. The engine
// only talks to this interface; Service is the SQL-backed implementation.
type Directory interface {
	User(ctx context.Context, tx *sql.Tx, userID string) (domain.User, error)
	RoleExists(ctx context.Context, tx *sql.Tx, companyID, roleID string) (bool, error)
	RoleHolders(ctx context.Context, tx *sql.Tx, companyID, roleID string) ([]domain.User, error)
	Roles(ctx context.Context, tx *sql.Tx, companyID, userID string) ([]string, error)
	HasRole(ctx context.Context, tx *sql.Tx, companyID, userID, roleID string) (bool, error)
	HasPermission(ctx context.Context, tx *sql.Tx, companyID, userID, perm string) (bool, error)
	Permissions(ctx context.Context, tx *sql.Tx, companyID, userID string) ([]string, error)
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	Repo repo.Repo
}

func (s Service) User(ctx context.Context, tx *sql.Tx, userID string) (domain.User, error) {
	return s.Repo.GetUser(ctx, tx, userID)
}

func (s Service) RoleExists(ctx context.Context, tx *sql.Tx, companyID, roleID string) (bool, error) {
	return s.Repo.RoleExists(ctx, tx, companyID, roleID)
}

func (s Service) RoleHolders(ctx context.Context, tx *sql.Tx, companyID, roleID string) ([]domain.User, error) {
	return s.Repo.RoleHolders(ctx, tx, companyID, roleID)
}

func (s Service) Roles(ctx context.Context, tx *sql.Tx, companyID, userID string) ([]string, error) {
	return s.Repo.UserRoles(ctx, tx, companyID, userID)
}

func (s Service) HasRole(ctx context.Context, tx *sql.Tx, companyID, userID, roleID string) (bool, error) {
	return s.Repo.UserHasRole(ctx, tx, companyID, userID, roleID)
}

func (s Service) HasPermission(ctx context.Context, tx *sql.Tx, companyID, userID, perm string) (bool, error) {
	return s.Repo.UserHasPermission(ctx, tx, companyID, userID, perm)
}

func (s Service) Permissions(ctx context.Context, tx *sql.Tx, companyID, userID string) ([]string, error) {
	return s.Repo.UserPermissions(ctx, tx, companyID, userID)
}

// Require returns ForbiddenError unless the user holds perm.
func Require(ctx context.Context, d Directory, tx *sql.Tx, companyID, userID, perm string) error {
	ok, err := d.HasPermission(ctx, tx, companyID, userID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
