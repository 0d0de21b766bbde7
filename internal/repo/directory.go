package repo

import (
	"context"
	"database/sql"

	"approvline/internal/domain"
)

func (r Repo) EnsureCompany(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	if name == "" {
		name = id
	}
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO companies(id, name, created_at) VALUES (?,?,?) ON CONFLICT DO NOTHING`), id, name, now)
	return err
}

func (r Repo) GetCompany(ctx context.Context, id string) (domain.Company, error) {
	var c domain.Company
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id, name, created_at FROM companies WHERE id=?`), id).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// UpsertUser inserts a user or refreshes name, email and active flag.
func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`
INSERT INTO users(id, company_id, name, email, active, created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, active=excluded.active`),
		u.ID, u.CompanyID, u.Name, nullable(u.Email), u.Active, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	var u domain.User
	var email sql.NullString
	err := r.conn(tx).QueryRowContext(ctx, r.q(`SELECT id, company_id, name, email, active, created_at FROM users WHERE id=?`), id).
		Scan(&u.ID, &u.CompanyID, &u.Name, &email, &u.Active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Email = email.String
	return u, err
}

func (r Repo) ListUsers(ctx context.Context, companyID string) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id, company_id, name, email, active, created_at FROM users WHERE company_id=? ORDER BY id`), companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var email sql.NullString
		if err := rows.Scan(&u.ID, &u.CompanyID, &u.Name, &email, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Email = email.String
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) SetUserActive(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := r.conn(tx).ExecContext(ctx, r.q(`UPDATE users SET active=? WHERE id=?`), active, id)
	return expectAffected(res, err, ErrNotFound)
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, companyID, id, desc string) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO roles(company_id, id, description) VALUES (?,?,?) ON CONFLICT DO NOTHING`), companyID, id, nullable(desc))
	return err
}

func (r Repo) ListRoles(ctx context.Context, companyID string) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT company_id, id, COALESCE(description,'') FROM roles WHERE company_id=? ORDER BY id`), companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Role
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role.CompanyID, &role.ID, &role.Description); err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	return res, rows.Err()
}

func (r Repo) RoleExists(ctx context.Context, tx *sql.Tx, companyID, roleID string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, r.q(`SELECT 1 FROM roles WHERE company_id=? AND id=?`), companyID, roleID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, companyID, roleID, permID string) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO role_permissions(company_id, role_id, permission_id) VALUES (?,?,?) ON CONFLICT DO NOTHING`), companyID, roleID, permID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, companyID, userID, roleID string) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO user_roles(company_id, user_id, role_id) VALUES (?,?,?) ON CONFLICT DO NOTHING`), companyID, userID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, companyID, userID, roleID string) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`DELETE FROM user_roles WHERE company_id=? AND user_id=? AND role_id=?`), companyID, userID, roleID)
	return err
}

// RoleHolders returns the active users holding roleID, ordered by id.
func (r Repo) RoleHolders(ctx context.Context, tx *sql.Tx, companyID, roleID string) ([]domain.User, error) {
	rows, err := r.conn(tx).QueryContext(ctx, r.q(`
SELECT u.id, u.company_id, u.name, u.email, u.active, u.created_at
FROM user_roles ur
JOIN users u ON u.id=ur.user_id
WHERE ur.company_id=? AND ur.role_id=? AND u.active=?
ORDER BY u.id`), companyID, roleID, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var email sql.NullString
		if err := rows.Scan(&u.ID, &u.CompanyID, &u.Name, &email, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Email = email.String
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UserRoles(ctx context.Context, tx *sql.Tx, companyID, userID string) ([]string, error) {
	return r.queryStrings(ctx, tx, `SELECT role_id FROM user_roles WHERE company_id=? AND user_id=? ORDER BY role_id`, companyID, userID)
}

func (r Repo) UserPermissions(ctx context.Context, tx *sql.Tx, companyID, userID string) ([]string, error) {
	return r.queryStrings(ctx, tx, `
SELECT DISTINCT rp.permission_id
FROM user_roles ur
JOIN role_permissions rp ON rp.company_id=ur.company_id AND rp.role_id=ur.role_id
WHERE ur.company_id=? AND ur.user_id=?
ORDER BY rp.permission_id`, companyID, userID)
}

func (r Repo) UserHasPermission(ctx context.Context, tx *sql.Tx, companyID, userID, perm string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, r.q(`
SELECT 1 FROM user_roles ur
JOIN role_permissions rp ON rp.company_id=ur.company_id AND rp.role_id=ur.role_id
WHERE ur.company_id=? AND ur.user_id=? AND rp.permission_id=? LIMIT 1`), companyID, userID, perm).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) UserHasRole(ctx context.Context, tx *sql.Tx, companyID, userID, roleID string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, r.q(`SELECT 1 FROM user_roles WHERE company_id=? AND user_id=? AND role_id=? LIMIT 1`), companyID, userID, roleID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) queryStrings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := r.conn(tx).QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
