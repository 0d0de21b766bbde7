package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"approvline/internal/domain"
	"approvline/internal/engine"
	"approvline/internal/engine/auth"
	"approvline/internal/repo"
)

type templatePath struct {
	ID string `path:"id"`
}

type templateBody struct {
	Body domain.Template `json:"body"`
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/workflow-templates",
		Summary:       "Create workflow template",
		Tags:          []string{"templates"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body TemplateRequest `json:"body"`
	}) (*templateBody, error) {
		actor, err := requirePermission(ctx, e, auth.PermTemplateWrite)
		if err != nil {
			return nil, err
		}
		t, err := e.CreateTemplate(ctx, input.Body.template(), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-template",
		Method:      http.MethodPut,
		Path:        "/workflow-templates/{id}",
		Summary:     "Replace workflow template",
		Description: "Replaces header and steps atomically and bumps the version. Running instances keep their steps.",
		Tags:        []string{"templates"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body TemplateRequest `json:"body"`
	}) (*templateBody, error) {
		actor, err := requirePermission(ctx, e, auth.PermTemplateWrite)
		if err != nil {
			return nil, err
		}
		t, err := e.UpdateTemplate(ctx, input.ID, input.Body.template(), input.Body.ExpectedVersion, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/workflow-templates",
		Summary:     "List workflow templates",
		Tags:        []string{"templates"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type"`
		Trigger    string `query:"trigger" enum:"create,update,create_or_update,manual"`
		Active     string `query:"active" enum:"true,false"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedTemplates `json:"body"`
	}, error) {
		actor, err := requirePermission(ctx, e, auth.PermTemplateRead)
		if err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, cerr := parseCompositeCursor(input.Cursor)
		if cerr != nil {
			return nil, badCursor(input.Cursor)
		}
		f := repo.TemplateFilters{
			EntityType:      input.EntityType,
			Trigger:         input.Trigger,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		}
		if input.Active != "" {
			active := input.Active == "true"
			f.Active = &active
		}
		items, err := e.ListTemplates(ctx, f, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTemplates{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedTemplates `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/workflow-templates/{id}",
		Summary:     "Get workflow template",
		Tags:        []string{"templates"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *templatePath) (*templateBody, error) {
		actor, err := requirePermission(ctx, e, auth.PermTemplateRead)
		if err != nil {
			return nil, err
		}
		t, err := e.GetTemplate(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-template",
		Method:        http.MethodDelete,
		Path:          "/workflow-templates/{id}",
		Summary:       "Delete unused workflow template",
		Tags:          []string{"templates"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *templatePath) (*struct{}, error) {
		actor, err := requirePermission(ctx, e, auth.PermTemplateWrite)
		if err != nil {
			return nil, err
		}
		if err := e.DeleteTemplate(ctx, input.ID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	for _, toggle := range []struct {
		op     string
		path   string
		active bool
	}{
		{"activate-template", "/workflow-templates/{id}/activate", true},
		{"deactivate-template", "/workflow-templates/{id}/deactivate", false},
	} {
		active := toggle.active
		huma.Register(api, huma.Operation{
			OperationID: toggle.op,
			Method:      http.MethodPost,
			Path:        toggle.path,
			Summary:     "Set template active flag",
			Tags:        []string{"templates"},
			Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
		}, func(ctx context.Context, input *templatePath) (*templateBody, error) {
			actor, err := requirePermission(ctx, e, auth.PermTemplateWrite)
			if err != nil {
				return nil, err
			}
			t, err := e.SetTemplateActive(ctx, input.ID, active, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &templateBody{Body: t}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "run-template",
		Method:        http.MethodPost,
		Path:          "/workflow-templates/{id}/run",
		Summary:       "Start a template for one entity",
		Tags:          []string{"templates"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body RunTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.Instance `json:"body"`
	}, error) {
		actor, err := requirePermission(ctx, e, auth.PermInstanceStart)
		if err != nil {
			return nil, err
		}
		in, err := e.RunManual(ctx, engine.RunInput{
			TemplateID:      input.ID,
			EntityID:        input.Body.EntityID,
			Snapshot:        input.Body.Snapshot,
			Title:           input.Body.Title,
			CheckConditions: input.Body.CheckConditions,
			Actor:           actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Instance `json:"body"`
		}{Body: in}, nil
	})
}
