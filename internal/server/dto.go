package server

import (
	"approvline/internal/domain"
	"approvline/internal/engine"
)

// Request payloads

type TemplateRequest struct {
	ID          string                  `json:"id,omitempty"`
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Trigger     domain.Trigger          `json:"trigger"`
	Conditions  *domain.Conditions      `json:"trigger_conditions,omitempty"`
	IsActive    bool                    `json:"is_active,omitempty"`
	Steps       []domain.StepDefinition `json:"steps"`
	// ExpectedVersion makes an update fail with 409 when the stored template
	// moved on. Zero skips the check.
	ExpectedVersion int `json:"expected_version,omitempty"`
}

func (r TemplateRequest) template() domain.Template {
	return domain.Template{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Trigger:     r.Trigger,
		Conditions:  r.Conditions,
		IsActive:    r.IsActive,
		Steps:       r.Steps,
	}
}

type RunTemplateRequest struct {
	EntityID        string         `json:"entity_id"`
	Title           string         `json:"title,omitempty"`
	Snapshot        map[string]any `json:"snapshot,omitempty"`
	CheckConditions bool           `json:"check_conditions,omitempty"`
}

type EntityEventRequest struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Operation  string         `json:"operation" enum:"create,update"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DecideRequest struct {
	Action     string `json:"action" enum:"approve,reject,reopen,comment"`
	Reason     string `json:"reason,omitempty"`
	IsInternal bool   `json:"is_internal,omitempty"`
}

type ReassignRequest struct {
	AssigneeType string `json:"assignee_type" enum:"user,role"`
	AssigneeID   string `json:"assignee_id"`
	Reason       string `json:"reason,omitempty"`
}

type CreateApprovalRequest struct {
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	EntityStatus   string         `json:"entity_status,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	AssignedToUser string         `json:"assigned_to_user,omitempty"`
	AssignedToRole string         `json:"assigned_to_role,omitempty"`
	TimeoutHours   int            `json:"timeout_hours,omitempty" minimum:"0"`
	Snapshot       map[string]any `json:"snapshot,omitempty"`
}

type UserRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Active *bool  `json:"active,omitempty"`
}

type RoleRequest struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

type RoleGrantRequest struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
}

type PermissionRequest struct {
	Permission string `json:"permission"`
}

type APIKeyRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// Responses

type APIKeyResponse struct {
	Key    domain.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	CompanyID   string   `json:"company_id"`
	CompanyName string   `json:"company_name,omitempty"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type paginatedTemplates struct {
	Items      []domain.Template `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedInstances struct {
	Items      []domain.Instance `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedApprovals struct {
	Items      []domain.ApprovalRequest `json:"items"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type historyResponse struct {
	InstanceID string         `json:"instance_id"`
	Events     []domain.Event `json:"events"`
}

type commentsResponse struct {
	Items []domain.Comment `json:"items"`
}

type usersResponse struct {
	Items []domain.User `json:"items"`
}

// InstanceView is domain.Instance without its methods. huma rebuilds
// response structs with reflect, which cannot place an embedded type with
// methods behind the fields it adds.
type InstanceView domain.Instance

// InstanceDetailResponse is the flat JSON form of engine.InstanceDetail.
type InstanceDetailResponse struct {
	InstanceView
	Executions    []domain.StepExecution `json:"executions"`
	Reassignments []domain.Reassignment  `json:"reassignments"`
}

func instanceDetailResponse(d engine.InstanceDetail) InstanceDetailResponse {
	return InstanceDetailResponse{
		InstanceView:  InstanceView(d.Instance),
		Executions:    nonNilSlice(d.Executions),
		Reassignments: nonNilSlice(d.Reassignments),
	}
}

type apiKeysResponse struct {
	Items []domain.APIKey `json:"items"`
}

type rolesResponse struct {
	Items []domain.Role `json:"items"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
