package approvlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Approvline HTTP API client for entity services and
// reviewers.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// EntityEvent notifies the engine that a business entity was created or
// updated.
type EntityEvent struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Operation  string         `json:"operation"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`
}

// Instance represents the API workflow instance model (partial).
type Instance struct {
	ID                string `json:"id"`
	TemplateID        string `json:"template_id,omitempty"`
	Title             string `json:"title"`
	Status            string `json:"status"`
	Outcome           string `json:"outcome,omitempty"`
	EntityType        string `json:"entity_type"`
	EntityID          string `json:"entity_id"`
	CurrentStepNumber int    `json:"current_step_number"`
	Round             int    `json:"round"`
	TriggeredBy       string `json:"triggered_by"`
	StartedAt         string `json:"started_at"`
	Version           int    `json:"version"`
}

// StepExecution is one assignment of a step to a user or role.
type StepExecution struct {
	ID           string `json:"id"`
	InstanceID   string `json:"instance_id"`
	StepNumber   int    `json:"step_number"`
	Round        int    `json:"round"`
	Status       string `json:"status"`
	AssigneeType string `json:"assignee_type"`
	AssignedTo   string `json:"assigned_to"`
	Decision     string `json:"decision,omitempty"`
	DecidedBy    string `json:"decided_by,omitempty"`
	Notes        string `json:"notes,omitempty"`
	TimeoutAt    string `json:"timeout_at,omitempty"`
	Version      int    `json:"version"`
}

// InstanceDetail is an instance with its executions.
type InstanceDetail struct {
	Instance
	Executions []StepExecution `json:"executions"`
}

// EvaluationResult lists instances started by an entity event and the
// templates that were skipped or failed.
type EvaluationResult struct {
	Instances []Instance `json:"instances"`
	Skipped   []struct {
		TemplateID string `json:"template_id"`
		Reason     string `json:"reason"`
	} `json:"skipped,omitempty"`
	Errors []struct {
		TemplateID string `json:"template_id"`
		Error      string `json:"error"`
	} `json:"errors,omitempty"`
}

// Comment is a reviewer note on an execution.
type Comment struct {
	ID         string `json:"id"`
	AuthorID   string `json:"author_id"`
	Body       string `json:"body"`
	IsInternal bool   `json:"is_internal"`
	CreatedAt  string `json:"created_at"`
}

// DecideResult is returned by Decide.
type DecideResult struct {
	Execution StepExecution `json:"execution"`
	Instance  Instance      `json:"instance"`
	Comment   *Comment      `json:"comment,omitempty"`
}

// Approval is the reviewer-facing view of an execution.
type Approval struct {
	ID             string `json:"id"`
	InstanceID     string `json:"instance_id"`
	Title          string `json:"title"`
	StepName       string `json:"step_name"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	Priority       string `json:"priority,omitempty"`
	RequestedBy    string `json:"requested_by"`
	AssignedToUser string `json:"assigned_to_user,omitempty"`
	AssignedToRole string `json:"assigned_to_role,omitempty"`
	Status         string `json:"status"`
	RequestedAt    string `json:"requested_at"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	Decision       string `json:"decision,omitempty"`
}

// ApprovalRequest opens a one-step approval outside any template.
type ApprovalRequest struct {
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	EntityStatus   string         `json:"entity_status,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	AssignedToUser string         `json:"assigned_to_user,omitempty"`
	AssignedToRole string         `json:"assigned_to_role,omitempty"`
	TimeoutHours   int            `json:"timeout_hours,omitempty"`
	Snapshot       map[string]any `json:"snapshot,omitempty"`
}

// PaginatedApprovals wraps list responses with cursors.
type PaginatedApprovals struct {
	Items      []Approval `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// ApprovalFilter narrows ListApprovals. Mine lists what the caller may decide.
type ApprovalFilter struct {
	Mine       bool
	Status     string
	EntityType string
	Limit      int
	Cursor     string
}

// APIError wraps non-2xx responses. Code and Message are taken from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// EmitEntityEvent reports an entity mutation and returns the instances it
// started.
func (c *Client) EmitEntityEvent(ctx context.Context, evt EntityEvent) (EvaluationResult, error) {
	var resp EvaluationResult
	err := c.do(ctx, http.MethodPost, "entity-events", evt, &resp)
	return resp, err
}

// GetInstance fetches an instance with its executions.
func (c *Client) GetInstance(ctx context.Context, id string) (InstanceDetail, error) {
	var resp InstanceDetail
	err := c.do(ctx, http.MethodGet, "workflow-instances/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CancelInstance stops an active instance.
func (c *Client) CancelInstance(ctx context.Context, id, reason string) (Instance, error) {
	var resp Instance
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflow-instances/%s/cancel", url.PathEscape(id)), body, &resp)
	return resp, err
}

// StartExecution claims an execution for the caller.
func (c *Client) StartExecution(ctx context.Context, executionID string) (StepExecution, error) {
	var resp StepExecution
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("step-executions/%s/start", url.PathEscape(executionID)), nil, &resp)
	return resp, err
}

// Decide approves, rejects, reopens or comments on an execution.
func (c *Client) Decide(ctx context.Context, executionID, action, reason string) (DecideResult, error) {
	body := map[string]any{
		"action": action,
		"reason": reason,
	}
	var resp DecideResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("step-executions/%s/decide", url.PathEscape(executionID)), body, &resp)
	return resp, err
}

// Reassign hands an execution to another user or role.
func (c *Client) Reassign(ctx context.Context, executionID, assigneeType, assigneeID, reason string) (StepExecution, error) {
	body := map[string]any{
		"assignee_type": assigneeType,
		"assignee_id":   assigneeID,
		"reason":        reason,
	}
	var resp StepExecution
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("step-executions/%s/reassign", url.PathEscape(executionID)), body, &resp)
	return resp, err
}

// CreateApprovalRequest opens an ad-hoc approval.
func (c *Client) CreateApprovalRequest(ctx context.Context, req ApprovalRequest) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "approval-requests", req, &resp)
	return resp, err
}

// ListApprovals returns one page of approval requests.
func (c *Client) ListApprovals(ctx context.Context, f ApprovalFilter) (PaginatedApprovals, error) {
	q := url.Values{}
	if f.Mine {
		q.Set("assigned_to", "me")
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.EntityType != "" {
		q.Set("entity_type", f.EntityType)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	endpoint := "approval-requests"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedApprovals
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	p := c.BasePath
	if p == "" {
		p = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(p, "/")
}
