package approvlinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"approvline/internal/app"
	"approvline/internal/config"
	"approvline/internal/domain"
	"approvline/internal/events"
	"approvline/internal/server"
	approvlinesdk "approvline/sdk/go"
)

type fixture struct {
	URL     string
	Alice   string
	Bob     string
	cleanup func()
}

// newFixture serves a fresh workspace with a purchase order template routed
// to the finance role. alice requests, bob holds finance.
func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default("acme")
	cfg.Database.Workspace = t.TempDir()
	a, err := app.Open(ctx, cfg, app.Options{Logger: zap.NewNop(), Sinks: []events.Sink{}})
	require.NoError(t, err)
	sys := a.SystemActor()
	e := a.Engine
	for _, id := range []string{"alice", "bob"} {
		_, err := e.AddUser(ctx, domain.User{ID: id, Name: id, Active: true}, sys)
		require.NoError(t, err)
	}
	require.NoError(t, e.AddRole(ctx, "finance", "Finance approvers", sys))
	require.NoError(t, e.GrantRole(ctx, "bob", "finance", true, sys))
	require.NoError(t, e.GrantRole(ctx, "alice", "requester", true, sys))
	_, err = e.CreateTemplate(ctx, domain.Template{
		Name:     "PO approval",
		Trigger:  domain.Trigger{EntityType: "purchase_order", On: domain.TriggerCreate},
		IsActive: true,
		Steps: []domain.StepDefinition{
			{Name: "Finance", AssigneeType: domain.AssigneeRole, AssigneeID: "finance"},
		},
	}, sys)
	require.NoError(t, err)
	_, aliceKey, err := e.CreateAPIKey(ctx, "alice", "erp", sys)
	require.NoError(t, err)
	_, bobKey, err := e.CreateAPIKey(ctx, "bob", "inbox", sys)
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, Metrics: a.Metrics, Gatherer: a.Registry})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	return fixture{
		URL:   srv.URL,
		Alice: aliceKey,
		Bob:   bobKey,
		cleanup: func() {
			srv.Close()
			a.Close()
		},
	}
}

func (f fixture) client(key string) *approvlinesdk.Client {
	c := approvlinesdk.New(f.URL)
	c.APIKey = key
	return c
}

func TestEmitDecideRoundTrip(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	res, err := f.client(f.Alice).EmitEntityEvent(ctx, approvlinesdk.EntityEvent{
		EntityType: "purchase_order",
		EntityID:   "po-7",
		Operation:  "create",
		Snapshot:   map[string]any{"total_amount": 1200},
	})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	in := res.Instances[0]
	assert.Equal(t, "alice", in.TriggeredBy)

	bob := f.client(f.Bob)
	page, err := bob.ListApprovals(ctx, approvlinesdk.ApprovalFilter{Mine: true})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, in.ID, page.Items[0].InstanceID)
	assert.Equal(t, "finance", page.Items[0].AssignedToRole)

	x, err := bob.StartExecution(ctx, page.Items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", x.Status)
	assert.Equal(t, "bob", x.AssignedTo)

	out, err := bob.Decide(ctx, x.ID, "approve", "within budget")
	require.NoError(t, err)
	assert.Equal(t, "completed", out.Instance.Status)
	assert.Equal(t, "approved", out.Instance.Outcome)

	_, err = bob.Decide(ctx, x.ID, "approve", "again")
	var apiErr *approvlinesdk.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "conflict", apiErr.Code)

	detail, err := f.client(f.Alice).GetInstance(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, detail.Executions, 1)
	assert.Equal(t, "approved", detail.Executions[0].Decision)
}

func TestErrorsCarryEnvelope(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	_, err := f.client("").ListApprovals(ctx, approvlinesdk.ApprovalFilter{})
	var apiErr *approvlinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = f.client(f.Alice).GetInstance(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	_, err = f.client(f.Alice).CreateApprovalRequest(ctx, approvlinesdk.ApprovalRequest{
		EntityType: "invoice",
		EntityID:   "inv-1",
		Title:      "Pay invoice",
	})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestCancelByTriggerer(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()
	alice := f.client(f.Alice)

	res, err := alice.EmitEntityEvent(ctx, approvlinesdk.EntityEvent{EntityType: "purchase_order", EntityID: "po-9", Operation: "create"})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)

	again, err := alice.EmitEntityEvent(ctx, approvlinesdk.EntityEvent{EntityType: "purchase_order", EntityID: "po-9", Operation: "create"})
	require.NoError(t, err)
	assert.Empty(t, again.Instances)
	assert.Len(t, again.Skipped, 1)

	out, err := alice.CancelInstance(ctx, res.Instances[0].ID, "order withdrawn")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", out.Status)
}
