package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"approvline/internal/domain"
	"approvline/internal/engine"
)

func registerDirectory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user, roles and permissions",
		Tags:        []string{"directory"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles, err := e.Auth.Roles(ctx, nil, p.CompanyID, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		perms, err := e.Auth.Permissions(ctx, nil, p.CompanyID, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		// Legacy headers may name a company that was never bootstrapped.
		company, err := e.Company(ctx, p.Actor())
		if err != nil && !errors.As(err, new(engine.NotFoundError)) {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID:      p.UserID,
			CompanyID:   p.CompanyID,
			CompanyName: company.Name,
			Source:      p.Source,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-user",
		Method:        http.MethodPost,
		Path:          "/directory/users",
		Summary:       "Add or update a user",
		Tags:          []string{"directory"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body UserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		active := input.Body.Active == nil || *input.Body.Active
		u, err := e.AddUser(ctx, domain.User{
			ID:     input.Body.ID,
			Name:   input.Body.Name,
			Email:  input.Body.Email,
			Active: active,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/directory/users",
		Summary:     "List users",
		Tags:        []string{"directory"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body usersResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		users, err := e.ListUsers(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body usersResponse `json:"body"`
		}{Body: usersResponse{Items: nonNilSlice(users)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-role",
		Method:        http.MethodPost,
		Path:          "/directory/roles",
		Summary:       "Add a role",
		Tags:          []string{"directory"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RoleRequest `json:"body"`
	}) (*struct {
		Body domain.Role `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id := strings.TrimSpace(input.Body.ID)
		if err := e.AddRole(ctx, id, input.Body.Description, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Role `json:"body"`
		}{Body: domain.Role{ID: id, CompanyID: actor.CompanyID, Description: input.Body.Description}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/directory/roles",
		Summary:     "List roles",
		Tags:        []string{"directory"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body rolesResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles, err := e.ListRoles(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body rolesResponse `json:"body"`
		}{Body: rolesResponse{Items: nonNilSlice(roles)}}, nil
	})

	for _, g := range []struct {
		op, path, summary string
		grant             bool
	}{
		{"grant-role", "/directory/roles/grant", "Grant a role to a user", true},
		{"revoke-role", "/directory/roles/revoke", "Revoke a role from a user", false},
	} {
		grant := g.grant
		huma.Register(api, huma.Operation{
			OperationID:   g.op,
			Method:        http.MethodPost,
			Path:          g.path,
			Summary:       g.summary,
			Tags:          []string{"directory"},
			DefaultStatus: http.StatusNoContent,
			Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			Body RoleGrantRequest `json:"body"`
		}) (*struct{}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := e.GrantRole(ctx, input.Body.UserID, input.Body.RoleID, grant, actor); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "grant-permission",
		Method:        http.MethodPost,
		Path:          "/directory/roles/{id}/permissions",
		Summary:       "Add a permission to a role",
		Tags:          []string{"directory"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body PermissionRequest `json:"body"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantPermission(ctx, input.ID, input.Body.Permission, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/directory/api-keys",
		Summary:       "Issue an API key",
		Description:   "The secret is returned once and only its hash is stored.",
		Tags:          []string{"directory"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body APIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, secret, err := e.CreateAPIKey(ctx, input.Body.UserID, input.Body.Name, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{Key: key, Secret: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/directory/api-keys",
		Summary:     "List API keys",
		Tags:        []string{"directory"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
	}) (*struct {
		Body apiKeysResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, input.UserID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body apiKeysResponse `json:"body"`
		}{Body: apiKeysResponse{Items: nonNilSlice(keys)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/directory/api-keys/{id}",
		Summary:       "Revoke an API key",
		Tags:          []string{"directory"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, input.ID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
