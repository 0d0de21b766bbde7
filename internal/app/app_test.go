package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"approvline/internal/config"
	"approvline/internal/domain"
	"approvline/internal/engine"
	"approvline/internal/events"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default("acme")
	cfg.Database.Workspace = t.TempDir()
	return cfg
}

func TestOpenBootstrapsAndRelays(t *testing.T) {
	ctx := context.Background()
	rec := &events.Recorder{}
	a, err := Open(ctx, testConfig(t), Options{Logger: zap.NewNop(), Sinks: []events.Sink{rec}, Replay: true})
	require.NoError(t, err)
	defer a.Close()

	sys := a.SystemActor()
	assert.Equal(t, engine.SystemActor, sys.UserID)
	_, err = a.Engine.AddUser(ctx, domain.User{ID: "bob", Name: "Bob", Active: true}, sys)
	require.NoError(t, err)
	tpl, err := a.Engine.CreateTemplate(ctx, domain.Template{
		Name:     "PO approval",
		Trigger:  domain.Trigger{EntityType: "purchase_order", On: domain.TriggerCreate},
		IsActive: true,
		Steps: []domain.StepDefinition{
			{Name: "Finance", AssigneeType: domain.AssigneeUser, AssigneeID: "bob"},
		},
	}, sys)
	require.NoError(t, err)

	res, err := a.Engine.Evaluate(ctx, domain.EntityEvent{
		CompanyID:  "acme",
		EntityType: "purchase_order",
		EntityID:   "po-1",
		Operation:  domain.TriggerCreate,
		Snapshot:   map[string]any{"total_amount": 10},
		ActorID:    "bob",
	})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	assert.Equal(t, tpl.ID, *res.Instances[0].TemplateID)

	require.Positive(t, a.Relay.DispatchOnce(ctx))
	assert.Contains(t, rec.Types(), events.TemplateCreated)
	assert.Contains(t, rec.Types(), events.InstanceStarted)
	assert.Contains(t, rec.Types(), events.StepAssigned)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "approvline_instances_started_total")
}

func TestOpenIsIdempotentOnSameWorkspace(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	first, err := Open(ctx, cfg, Options{Logger: zap.NewNop(), Sinks: []events.Sink{}})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(ctx, cfg, Options{Logger: zap.NewNop(), Sinks: []events.Sink{}})
	require.NoError(t, err)
	defer second.Close()
	roles, err := second.Engine.ListRoles(ctx, second.SystemActor())
	require.NoError(t, err)
	assert.NotEmpty(t, roles)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "mysql"
	_, err := Open(context.Background(), cfg, Options{Logger: zap.NewNop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver")
}

func TestDefaultSinksSkipDisabledWebhooks(t *testing.T) {
	cfg := testConfig(t)
	off := false
	cfg.Notifications.Webhooks = []config.WebhookConfig{
		{URL: "http://127.0.0.1:1/hook"},
		{URL: "http://127.0.0.1:1/off", Enabled: &off},
	}
	a, err := Open(context.Background(), cfg, Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()
	var names []string
	for _, s := range a.Relay.Sinks {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"log", "webhook:http://127.0.0.1:1/hook"}, names)
}
