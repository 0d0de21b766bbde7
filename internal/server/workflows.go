package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"approvline/internal/domain"
	"approvline/internal/engine"
	"approvline/internal/engine/auth"
	"approvline/internal/repo"
)

type idPath struct {
	ID string `path:"id"`
}

func registerEntityEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "emit-entity-event",
		Method:      http.MethodPost,
		Path:        "/entity-events",
		Summary:     "Report an entity mutation",
		Description: "Evaluates every active template of the company against the mutation. Re-sending an event for an entity with an active instance is harmless.",
		Tags:        []string{"workflows"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body EntityEventRequest `json:"body"`
	}) (*struct {
		Body engine.EvaluationResult `json:"body"`
	}, error) {
		actor, err := requirePermission(ctx, e, auth.PermInstanceStart)
		if err != nil {
			return nil, err
		}
		res, err := e.Evaluate(ctx, domain.EntityEvent{
			CompanyID:  actor.CompanyID,
			EntityType: input.Body.EntityType,
			EntityID:   input.Body.EntityID,
			Operation:  input.Body.Operation,
			Snapshot:   input.Body.Snapshot,
			ActorID:    actor.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EvaluationResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/workflow-instances",
		Summary:     "List workflow instances",
		Tags:        []string{"instances"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"pending,in_progress,completed,cancelled,failed"`
		Outcome     string `query:"outcome" enum:"approved,rejected,expired"`
		EntityType  string `query:"entity_type"`
		EntityID    string `query:"entity_id"`
		TemplateID  string `query:"template_id"`
		TriggeredBy string `query:"triggered_by"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedInstances `json:"body"`
	}, error) {
		actor, err := requirePermission(ctx, e, auth.PermInstanceRead)
		if err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, cerr := parseCompositeCursor(input.Cursor)
		if cerr != nil {
			return nil, badCursor(input.Cursor)
		}
		items, err := e.ListInstances(ctx, repo.InstanceFilters{
			Status:          input.Status,
			Outcome:         input.Outcome,
			EntityType:      input.EntityType,
			EntityID:        input.EntityID,
			TemplateID:      input.TemplateID,
			TriggeredBy:     input.TriggeredBy,
			Limit:           limit + 1,
			CursorStartedAt: cursorTS,
			CursorID:        cursorID,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedInstances{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.StartedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedInstances `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/workflow-instances/{id}",
		Summary:     "Get workflow instance with its step executions",
		Tags:        []string{"instances"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body InstanceDetailResponse `json:"body"`
	}, error) {
		actor, err := requirePermission(ctx, e, auth.PermInstanceRead)
		if err != nil {
			return nil, err
		}
		d, err := e.GetInstance(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceDetailResponse `json:"body"`
		}{Body: instanceDetailResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instance-history",
		Method:      http.MethodGet,
		Path:        "/workflow-instances/{id}/history",
		Summary:     "Audit trail of an instance",
		Tags:        []string{"instances"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body historyResponse `json:"body"`
	}, error) {
		actor, err := requirePermission(ctx, e, auth.PermInstanceRead)
		if err != nil {
			return nil, err
		}
		evs, err := e.History(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body historyResponse `json:"body"`
		}{Body: historyResponse{InstanceID: input.ID, Events: nonNilSlice(evs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-instance",
		Method:      http.MethodPost,
		Path:        "/workflow-instances/{id}/cancel",
		Summary:     "Cancel an active instance",
		Description: "Allowed for the user who triggered the instance and for holders of instance.cancel.",
		Tags:        []string{"instances"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *CancelRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Instance `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		in, err := e.Cancel(ctx, input.ID, reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Instance `json:"body"`
		}{Body: in}, nil
	})
}

type executionBody struct {
	Body domain.StepExecution `json:"body"`
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "start-execution",
		Method:      http.MethodPost,
		Path:        "/step-executions/{id}/start",
		Summary:     "Claim an assigned step execution",
		Description: "Moves an assigned execution to in_progress. Claiming a role execution pins it to the caller.",
		Tags:        []string{"executions"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *idPath) (*executionBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		x, err := e.StartExecution(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &executionBody{Body: x}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-execution",
		Method:      http.MethodPost,
		Path:        "/step-executions/{id}/decide",
		Summary:     "Approve, reject, reopen or comment",
		Tags:        []string{"executions"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body DecideRequest `json:"body"`
	}) (*struct {
		Body engine.DecideResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Decide(ctx, engine.DecideInput{
			ExecutionID: input.ID,
			Action:      input.Body.Action,
			Reason:      input.Body.Reason,
			IsInternal:  input.Body.IsInternal,
			Actor:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DecideResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-execution",
		Method:      http.MethodPost,
		Path:        "/step-executions/{id}/reassign",
		Summary:     "Hand an open execution to another user or role",
		Tags:        []string{"executions"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ReassignRequest `json:"body"`
	}) (*executionBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		x, err := e.Reassign(ctx, engine.ReassignInput{
			ExecutionID: input.ID,
			To:          domain.Assignee{Type: input.Body.AssigneeType, ID: input.Body.AssigneeID},
			Reason:      input.Body.Reason,
			Actor:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &executionBody{Body: x}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-comments",
		Method:      http.MethodGet,
		Path:        "/step-executions/{id}/comments",
		Summary:     "Comments on a step execution",
		Tags:        []string{"executions"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body commentsResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cs, err := e.ListComments(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body commentsResponse `json:"body"`
		}{Body: commentsResponse{Items: nonNilSlice(cs)}}, nil
	})
}

type approvalBody struct {
	Body domain.ApprovalRequest `json:"body"`
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-approval-request",
		Method:        http.MethodPost,
		Path:          "/approval-requests",
		Summary:       "Request a one-off approval",
		Description:   "Starts a single-step instance without a template.",
		Tags:          []string{"approvals"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateApprovalRequest `json:"body"`
	}) (*approvalBody, error) {
		actor, err := requirePermission(ctx, e, auth.PermInstanceStart)
		if err != nil {
			return nil, err
		}
		b := input.Body
		ar, err := e.CreateApprovalRequest(ctx, engine.ApprovalRequestInput{
			EntityType:     b.EntityType,
			EntityID:       b.EntityID,
			EntityStatus:   b.EntityStatus,
			Title:          b.Title,
			Description:    b.Description,
			Priority:       b.Priority,
			AssignedToUser: b.AssignedToUser,
			AssignedToRole: b.AssignedToRole,
			TimeoutHours:   b.TimeoutHours,
			Snapshot:       b.Snapshot,
			Actor:          actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &approvalBody{Body: ar}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approval-requests",
		Method:      http.MethodGet,
		Path:        "/approval-requests",
		Summary:     "List approval requests",
		Description: "assigned_to=me lists what the caller can act on, directly or through a role, and needs no extra permission.",
		Tags:        []string{"approvals"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AssignedTo string `query:"assigned_to" enum:"me"`
		Status     string `query:"status" enum:"pending,approved,rejected,expired"`
		EntityType string `query:"entity_type"`
		InstanceID string `query:"instance_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedApprovals `json:"body"`
	}, error) {
		mine := input.AssignedTo == "me"
		var actor engine.Actor
		if mine {
			a, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			actor = a
		} else {
			a, err := requirePermission(ctx, e, auth.PermInstanceRead)
			if err != nil {
				return nil, err
			}
			actor = a
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, cerr := parseCompositeCursor(input.Cursor)
		if cerr != nil {
			return nil, badCursor(input.Cursor)
		}
		items, err := e.ListApprovals(ctx, engine.ApprovalQuery{
			AssignedToMe:    mine,
			Status:          input.Status,
			EntityType:      input.EntityType,
			InstanceID:      input.InstanceID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
			Actor:           actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedApprovals{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.RequestedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedApprovals `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval-request",
		Method:      http.MethodGet,
		Path:        "/approval-requests/{id}",
		Summary:     "Get approval request",
		Tags:        []string{"approvals"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*approvalBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ar, err := e.GetApproval(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &approvalBody{Body: ar}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type        string `query:"type"`
		InstanceID  string `query:"instance_id"`
		ExecutionID string `query:"execution_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, err := requirePermission(ctx, e, auth.PermEventsRead)
		if err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, perr := strconv.ParseInt(input.Cursor, 10, 64)
			if perr != nil {
				return nil, badCursor(input.Cursor)
			}
			before = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			Type:        input.Type,
			InstanceID:  input.InstanceID,
			ExecutionID: input.ExecutionID,
			Before:      before,
			Limit:       limit + 1,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: nonNilSlice(items)}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
