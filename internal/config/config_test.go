package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Company.ID != "acme" {
		t.Fatalf("company id = %q", cfg.Company.ID)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Fatalf("driver = %q", cfg.Database.Driver)
	}
	if _, ok := cfg.RBAC.Roles["approver"]; !ok {
		t.Fatalf("expected approver role in defaults")
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
company:
  id: acme
sweep:
  schedule: "*/5 * * * *"
notifications:
  webhooks:
    - url: http://hooks.local/approvals
      events: [instance.completed]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.BasePath != "/v1" {
		t.Fatalf("base path default lost: %q", cfg.Server.BasePath)
	}
	if cfg.Sweep.Schedule != "*/5 * * * *" {
		t.Fatalf("schedule = %q", cfg.Sweep.Schedule)
	}
	if len(cfg.Notifications.Webhooks) != 1 {
		t.Fatalf("webhooks = %d", len(cfg.Notifications.Webhooks))
	}
	if len(cfg.RBAC.Roles) == 0 {
		t.Fatalf("expected default roles")
	}
}

func TestFromYAMLReplacesRoles(t *testing.T) {
	cfg, err := FromYAML([]byte(`
company:
  id: acme
rbac:
  roles:
    admin:
      permissions: [workflow.override]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.RBAC.Roles) != 1 {
		t.Fatalf("expected only configured roles, got %d", len(cfg.RBAC.Roles))
	}
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]string{
		"missing company":  "company:\n  id: \"\"\n",
		"bad driver":       "company:\n  id: a\ndatabase:\n  driver: mysql\n",
		"postgres no dsn":  "company:\n  id: a\ndatabase:\n  driver: postgres\n",
		"bad schedule":     "company:\n  id: a\nsweep:\n  schedule: \"every minute\"\n",
		"bad level":        "company:\n  id: a\nlogging:\n  level: loud\n",
		"webhook no url":   "company:\n  id: a\nnotifications:\n  webhooks:\n    - events: [x]\n",
		"roles need admin": "company:\n  id: a\nrbac:\n  roles:\n    approver:\n      permissions: [instance.read]\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestSweepCanBeDisabled(t *testing.T) {
	cfg, err := FromYAML([]byte("company:\n  id: a\nsweep:\n  enabled: false\n  schedule: \"\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Sweep.IsEnabled() {
		t.Fatalf("expected sweep disabled")
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, "acme")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Company.ID != "acme" || cfg.Database.Workspace != dir {
		t.Fatalf("unexpected fallback config: %+v", cfg.Database)
	}
	if err := os.WriteFile(filepath.Join(dir, "approvline.yml"), []byte(GenerateDefault("beta")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir, "acme")
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.Company.ID != "beta" {
		t.Fatalf("file config not used: %q", cfg.Company.ID)
	}
}
