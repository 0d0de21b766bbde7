package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/google/uuid"

	"approvline/internal/config"
	"approvline/internal/domain"
	"approvline/internal/engine/auth"
	"approvline/internal/repo"
)

// Bootstrap creates the configured company and upserts its roles and role
// permissions. It is safe to run on every start.
func (e Engine) Bootstrap(ctx context.Context) error {
	if e.Config == nil {
		return invalid("config", "config required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify("bootstrap", "company", e.Config.Company.ID, err)
	}
	defer tx.Rollback()
	companyID := e.Config.Company.ID
	if err := e.Repo.EnsureCompany(ctx, tx, companyID, e.Config.Company.Name, e.ts()); err != nil {
		return classify("bootstrap", "company", companyID, err)
	}
	for _, id := range ConfigRoles(e.Config) {
		role := e.Config.RBAC.Roles[id]
		if err := e.Repo.InsertRole(ctx, tx, companyID, id, role.Description); err != nil {
			return classify("bootstrap", "role", id, err)
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.AddRolePermission(ctx, tx, companyID, id, perm); err != nil {
				return classify("bootstrap", "role", id, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("bootstrap", "company", companyID, err)
	}
	e.log().Debug("directory bootstrapped")
	return nil
}

// trusted reports whether the actor is the local operator, which the CLI
// acts as.
func trusted(actor Actor) bool {
	return actor.UserID == SystemActor
}

func (e Engine) requireAdmin(ctx context.Context, actor Actor, action string) error {
	if err := validActor(actor); err != nil {
		return err
	}
	return e.requirePermission(ctx, nil, actor, action, auth.PermDirectoryAdmin)
}

func (e Engine) AddUser(ctx context.Context, u domain.User, actor Actor) (domain.User, error) {
	if err := e.requireAdmin(ctx, actor, "add user"); err != nil {
		return u, err
	}
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return u, invalid("id", "user id is required")
	}
	if u.ID == SystemActor {
		return u, invalid("id", "%s is reserved", SystemActor)
	}
	if strings.TrimSpace(u.Name) == "" {
		u.Name = u.ID
	}
	u.CompanyID = actor.CompanyID
	existing, err := e.Repo.GetUser(ctx, nil, u.ID)
	switch {
	case err == nil && existing.CompanyID != u.CompanyID:
		return u, conflict("user %s belongs to another company", u.ID)
	case err == nil:
		u.CreatedAt = existing.CreatedAt
	case err == repo.ErrNotFound:
		u.CreatedAt = e.ts()
	default:
		return u, classify("add user", "user", u.ID, err)
	}
	if err := e.Repo.UpsertUser(ctx, nil, u); err != nil {
		return u, classify("add user", "user", u.ID, err)
	}
	return u, nil
}

func (e Engine) SetUserActive(ctx context.Context, userID string, active bool, actor Actor) error {
	if err := e.requireAdmin(ctx, actor, "update user"); err != nil {
		return err
	}
	u, err := e.Repo.GetUser(ctx, nil, userID)
	if err != nil || u.CompanyID != actor.CompanyID {
		return classify("update user", "user", userID, orNotFound(err))
	}
	return classify("update user", "user", userID, e.Repo.SetUserActive(ctx, nil, userID, active))
}

func (e Engine) ListUsers(ctx context.Context, actor Actor) ([]domain.User, error) {
	users, err := e.Repo.ListUsers(ctx, actor.CompanyID)
	return users, classify("list users", "user", "", err)
}

func (e Engine) AddRole(ctx context.Context, roleID, description string, actor Actor) error {
	if err := e.requireAdmin(ctx, actor, "add role"); err != nil {
		return err
	}
	if strings.TrimSpace(roleID) == "" {
		return invalid("role_id", "role id is required")
	}
	return classify("add role", "role", roleID, e.Repo.InsertRole(ctx, nil, actor.CompanyID, roleID, description))
}

func (e Engine) ListRoles(ctx context.Context, actor Actor) ([]domain.Role, error) {
	roles, err := e.Repo.ListRoles(ctx, actor.CompanyID)
	return roles, classify("list roles", "role", "", err)
}

// GrantRole gives a user a role. Revoking is the same call with grant false.
func (e Engine) GrantRole(ctx context.Context, userID, roleID string, grant bool, actor Actor) error {
	if err := e.requireAdmin(ctx, actor, "grant role"); err != nil {
		return err
	}
	u, err := e.Repo.GetUser(ctx, nil, userID)
	if err != nil || u.CompanyID != actor.CompanyID {
		return classify("grant role", "user", userID, orNotFound(err))
	}
	ok, err := e.Repo.RoleExists(ctx, nil, actor.CompanyID, roleID)
	if err != nil {
		return classify("grant role", "role", roleID, err)
	}
	if !ok {
		return NotFoundError{Kind: "role", ID: roleID}
	}
	if grant {
		err = e.Repo.AssignRole(ctx, nil, actor.CompanyID, userID, roleID)
	} else {
		err = e.Repo.RevokeRole(ctx, nil, actor.CompanyID, userID, roleID)
	}
	return classify("grant role", "role", roleID, err)
}

func (e Engine) GrantPermission(ctx context.Context, roleID, permission string, actor Actor) error {
	if err := e.requireAdmin(ctx, actor, "grant permission"); err != nil {
		return err
	}
	if strings.TrimSpace(permission) == "" {
		return invalid("permission", "permission is required")
	}
	ok, err := e.Repo.RoleExists(ctx, nil, actor.CompanyID, roleID)
	if err != nil {
		return classify("grant permission", "role", roleID, err)
	}
	if !ok {
		return NotFoundError{Kind: "role", ID: roleID}
	}
	return classify("grant permission", "role", roleID, e.Repo.AddRolePermission(ctx, nil, actor.CompanyID, roleID, permission))
}

// CreateAPIKey issues a key for userID and returns the plaintext once. Only
// the hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string, actor Actor) (domain.APIKey, string, error) {
	if err := e.requireAdmin(ctx, actor, "create api key"); err != nil {
		return domain.APIKey{}, "", err
	}
	u, err := e.Repo.GetUser(ctx, nil, userID)
	if err != nil || u.CompanyID != actor.CompanyID {
		return domain.APIKey{}, "", classify("create api key", "user", userID, orNotFound(err))
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", classify("create api key", "api key", "", err)
	}
	secret := "apv_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		CompanyID: actor.CompanyID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.ts(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", classify("create api key", "api key", key.ID, err)
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, userID string, actor Actor) ([]domain.APIKey, error) {
	if err := e.requireAdmin(ctx, actor, "list api keys"); err != nil {
		return nil, err
	}
	keys, err := e.Repo.ListAPIKeys(ctx, actor.CompanyID, userID)
	return keys, classify("list api keys", "api key", "", err)
}

// RevokeAPIKey deletes a key of the actor's company. Requests carrying it
// fail from then on.
func (e Engine) RevokeAPIKey(ctx context.Context, keyID string, actor Actor) error {
	if err := e.requireAdmin(ctx, actor, "revoke api key"); err != nil {
		return err
	}
	keys, err := e.Repo.ListAPIKeys(ctx, actor.CompanyID, "")
	if err != nil {
		return classify("revoke api key", "api key", keyID, err)
	}
	for _, k := range keys {
		if k.ID == keyID {
			return classify("revoke api key", "api key", keyID, e.Repo.DeleteAPIKey(ctx, keyID))
		}
	}
	return NotFoundError{Kind: "api key", ID: keyID}
}

// Company returns the actor's company.
func (e Engine) Company(ctx context.Context, actor Actor) (domain.Company, error) {
	c, err := e.Repo.GetCompany(ctx, actor.CompanyID)
	return c, classify("get company", "company", actor.CompanyID, err)
}

// ConfigRoles lists the roles declared in the config, sorted by id.
func ConfigRoles(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.RBAC.Roles))
	for id := range cfg.RBAC.Roles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
