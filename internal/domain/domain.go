package domain

const (
	InstancePending    = "pending"
	InstanceInProgress = "in_progress"
	InstanceCompleted  = "completed"
	InstanceCancelled  = "cancelled"
	InstanceFailed     = "failed"
)

const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
	OutcomeExpired  = "expired"
)

const (
	ExecPending    = "pending"
	ExecAssigned   = "assigned"
	ExecInProgress = "in_progress"
	ExecCompleted  = "completed"
	ExecSkipped    = "skipped"
	ExecFailed     = "failed"
	ExecTimeout    = "timeout"
)

const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

const (
	AssigneeUser = "user"
	AssigneeRole = "role"
)

const (
	StepApproval     = "approval"
	StepReview       = "review"
	StepNotification = "notification"
	StepCondition    = "condition"
)

const (
	TriggerCreate         = "create"
	TriggerUpdate         = "update"
	TriggerCreateOrUpdate = "create_or_update"
	TriggerManual         = "manual"
)

const (
	ParallelAll      = "all"
	ParallelAny      = "any"
	ParallelMajority = "majority"
)

const (
	TimeoutReject = "reject"
	TimeoutSkip   = "skip"
)

const (
	ReassignManual     = "manual"
	ReassignEscalation = "escalation"
)

// ThresholdCondition compares a numeric snapshot field against Value.
type ThresholdCondition struct {
	Field    string  `json:"field" yaml:"field"`
	Operator string  `json:"operator" yaml:"operator" enum:"gt,gte,lt,lte,eq,ne"`
	Value    float64 `json:"value" yaml:"value"`
	Currency string  `json:"currency,omitempty" yaml:"currency,omitempty"`
}

// FieldCondition compares an arbitrary snapshot field.
type FieldCondition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator" enum:"gt,gte,lt,lte,eq,ne,contains,not_contains"`
	Value    any    `json:"value" yaml:"value"`
}

// Conditions is the declarative predicate attached to templates and steps.
// All non-empty parts must hold.
type Conditions struct {
	EntityType string             `json:"entity_type,omitempty" yaml:"entity_type,omitempty"`
	Priority   string             `json:"priority,omitempty" yaml:"priority,omitempty"`
	Threshold  *ThresholdCondition `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Fields     []FieldCondition   `json:"fields,omitempty" yaml:"fields,omitempty"`
	Expression string             `json:"expression,omitempty" yaml:"expression,omitempty"`
}

func (c *Conditions) IsZero() bool {
	return c == nil || (c.EntityType == "" && c.Priority == "" && c.Threshold == nil && len(c.Fields) == 0 && c.Expression == "")
}

type Trigger struct {
	EntityType string `json:"entity_type" yaml:"entity_type"`
	On         string `json:"on" yaml:"on" enum:"create,update,create_or_update,manual"`
}

type Assignee struct {
	Type string `json:"assignee_type" yaml:"assignee_type" enum:"user,role"`
	ID   string `json:"assignee_id" yaml:"assignee_id"`
}

type StepDefinition struct {
	StepNumber     int         `json:"step_number,omitempty" yaml:"step_number,omitempty"`
	Name           string      `json:"name" yaml:"name"`
	Description    string      `json:"description,omitempty" yaml:"description,omitempty"`
	StepType       string      `json:"step_type,omitempty" yaml:"step_type,omitempty" enum:"approval,review,notification,condition"`
	AssigneeType   string      `json:"assignee_type,omitempty" yaml:"assignee_type,omitempty" enum:"user,role"`
	AssigneeID     string      `json:"assignee_id,omitempty" yaml:"assignee_id,omitempty"`
	IsRequired     *bool       `json:"is_required,omitempty" yaml:"is_required,omitempty"`
	TimeoutHours   int         `json:"timeout_hours,omitempty" yaml:"timeout_hours,omitempty"`
	AutoApprove    bool        `json:"auto_approve,omitempty" yaml:"auto_approve,omitempty"`
	AllowParallel  bool        `json:"allow_parallel,omitempty" yaml:"allow_parallel,omitempty"`
	ParallelPolicy string      `json:"parallel_policy,omitempty" yaml:"parallel_policy,omitempty" enum:"all,any,majority"`
	Conditions     *Conditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Escalation     *Assignee   `json:"escalation,omitempty" yaml:"escalation,omitempty"`
	OnTimeout      string      `json:"on_timeout,omitempty" yaml:"on_timeout,omitempty" enum:"reject,skip"`
}

// Required reports whether a rejection of this step terminates the instance.
// Steps are required unless explicitly marked otherwise.
func (s StepDefinition) Required() bool {
	return s.IsRequired == nil || *s.IsRequired
}

// Human reports whether the step waits for a person.
func (s StepDefinition) Human() bool {
	return s.StepType == "" || s.StepType == StepApproval || s.StepType == StepReview
}

func (s StepDefinition) Policy() string {
	if s.ParallelPolicy == "" {
		return ParallelAll
	}
	return s.ParallelPolicy
}

func (s StepDefinition) TimeoutAction() string {
	if s.OnTimeout == "" {
		return TimeoutReject
	}
	return s.OnTimeout
}

type Template struct {
	ID          string           `json:"id" yaml:"id,omitempty"`
	CompanyID   string           `json:"company_id" yaml:"-"`
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     Trigger          `json:"trigger" yaml:"trigger"`
	Conditions  *Conditions      `json:"trigger_conditions,omitempty" yaml:"trigger_conditions,omitempty"`
	IsActive    bool             `json:"is_active" yaml:"is_active"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
	CreatedBy   string           `json:"created_by" yaml:"-"`
	Version     int              `json:"version" yaml:"-"`
	CreatedAt   string           `json:"created_at" format:"date-time" yaml:"-"`
	UpdatedAt   string           `json:"updated_at" format:"date-time" yaml:"-"`
}

type Instance struct {
	ID                string           `json:"id"`
	CompanyID         string           `json:"company_id"`
	TemplateID        *string          `json:"template_id,omitempty"`
	TemplateVersion   int              `json:"template_version,omitempty"`
	Title             string           `json:"title"`
	Description       string           `json:"description,omitempty"`
	Priority          string           `json:"priority,omitempty"`
	Status            string           `json:"status" enum:"pending,in_progress,completed,cancelled,failed"`
	Outcome           string           `json:"outcome,omitempty" enum:"approved,rejected,expired"`
	EntityType        string           `json:"entity_type"`
	EntityID          string           `json:"entity_id"`
	CurrentStepNumber int              `json:"current_step_number"`
	Round             int              `json:"round"`
	Steps             []StepDefinition `json:"steps"`
	Snapshot          map[string]any   `json:"snapshot,omitempty"`
	TriggeredBy       string           `json:"triggered_by"`
	StartedAt         string           `json:"started_at" format:"date-time"`
	UpdatedAt         string           `json:"updated_at" format:"date-time"`
	CompletedAt       *string          `json:"completed_at,omitempty" format:"date-time"`
	CancelledAt       *string          `json:"cancelled_at,omitempty" format:"date-time"`
	Version           int              `json:"version"`
}

func (i Instance) Active() bool {
	return i.Status == InstancePending || i.Status == InstanceInProgress
}

func (i Instance) Step(n int) (StepDefinition, bool) {
	for _, s := range i.Steps {
		if s.StepNumber == n {
			return s, true
		}
	}
	return StepDefinition{}, false
}

type StepExecution struct {
	ID            string  `json:"id"`
	InstanceID    string  `json:"instance_id"`
	StepNumber    int     `json:"step_number"`
	Round         int     `json:"round"`
	Status        string  `json:"status" enum:"pending,assigned,in_progress,completed,skipped,failed,timeout"`
	AssigneeType  string  `json:"assignee_type" enum:"user,role"`
	AssignedTo    string  `json:"assigned_to"`
	AssigneeName  string  `json:"assignee_name,omitempty"`
	Decision      string  `json:"decision,omitempty" enum:"approved,rejected"`
	DecidedBy     string  `json:"decided_by,omitempty"`
	Notes         string  `json:"notes,omitempty"`
	EscalatedFrom *string `json:"escalated_from,omitempty"`
	Superseded    bool    `json:"superseded"`
	TimeoutAt     *string `json:"timeout_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	StartedAt     *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	Version       int     `json:"version"`
}

// Open reports whether the execution still awaits action.
func (x StepExecution) Open() bool {
	return x.Status == ExecPending || x.Status == ExecAssigned || x.Status == ExecInProgress
}

type Comment struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	InstanceID  string `json:"instance_id"`
	AuthorID    string `json:"author_id"`
	Body        string `json:"body"`
	IsInternal  bool   `json:"is_internal"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Reassignment struct {
	ID                string `json:"id"`
	ExecutionID       string `json:"execution_id"`
	TargetExecutionID string `json:"target_execution_id,omitempty"`
	FromType          string `json:"from_type"`
	FromID            string `json:"from_id"`
	ToType            string `json:"to_type"`
	ToID              string `json:"to_id"`
	Reason            string `json:"reason,omitempty"`
	Kind              string `json:"kind" enum:"manual,escalation"`
	ActorID           string `json:"actor_id"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

// EntityEvent is the mutation notice business modules emit.
type EntityEvent struct {
	CompanyID  string         `json:"company_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Operation  string         `json:"operation" enum:"create,update"`
	Snapshot   map[string]any `json:"snapshot"`
	ActorID    string         `json:"actor_id"`
}

// ApprovalRequest is the reviewer-facing view of one step execution.
type ApprovalRequest struct {
	ID             string    `json:"id"`
	InstanceID     string    `json:"instance_id"`
	CompanyID      string    `json:"company_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	StepName       string    `json:"step_name"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	EntityStatus   string    `json:"entity_status,omitempty"`
	Priority       string    `json:"priority,omitempty"`
	RequestedBy    string    `json:"requested_by"`
	AssignedToUser string    `json:"assigned_to_user,omitempty"`
	AssignedToRole string    `json:"assigned_to_role,omitempty"`
	Status         string    `json:"status"`
	RequestedAt    string    `json:"requested_at" format:"date-time"`
	ExpiresAt      *string   `json:"expires_at,omitempty" format:"date-time"`
	Decision       string    `json:"decision,omitempty"`
	DecisionReason string    `json:"decision_reason,omitempty"`
	DecidedBy      string    `json:"decided_by,omitempty"`
	Comments       []Comment `json:"comments,omitempty"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	CompanyID   string `json:"company_id"`
	InstanceID  string `json:"instance_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json,omitempty"`
}

type Company struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Role struct {
	ID          string `json:"id"`
	CompanyID   string `json:"company_id"`
	Description string `json:"description,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
