package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"approvline/internal/db"
	"approvline/internal/domain"
)

// Event types written to the outbox.
const (
	TemplateCreated     = "template.created"
	TemplateUpdated     = "template.updated"
	TemplateActivated   = "template.activated"
	TemplateDeactivated = "template.deactivated"
	TemplateDeleted     = "template.deleted"

	TriggerSkipped = "trigger.skipped"
	TriggerError   = "trigger.error"

	InstanceStarted   = "instance.started"
	InstanceAdvanced  = "instance.advanced"
	InstanceCompleted = "instance.completed"
	InstanceCancelled = "instance.cancelled"
	InstanceFailed    = "instance.failed"
	InstanceReopened  = "instance.reopened"

	StepAssigned    = "step.assigned"
	StepStarted     = "step.started"
	StepApproved    = "step.approved"
	StepRejected    = "step.rejected"
	StepSkipped     = "step.skipped"
	StepTimedOut    = "step.timeout"
	StepEscalated   = "step.escalated"
	StepReassigned  = "step.reassigned"
	StepNotified    = "step.notified"
	StepFailed      = "step.failed"
	CommentAdded    = "comment.added"
	ApprovalCreated = "approval.created"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits or rolls back together with
// the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, companyID, instanceID, executionID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:          ts,
		Type:        evtType,
		CompanyID:   companyID,
		InstanceID:  instanceID,
		ExecutionID: executionID,
		ActorID:     actorID,
		Payload:     string(data),
	}
	err = tx.QueryRowContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,company_id,instance_id,execution_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?) RETURNING id`),
		ts, evtType, companyID, nullable(instanceID), nullable(executionID), actorID, evt.Payload).Scan(&evt.ID)
	if err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
