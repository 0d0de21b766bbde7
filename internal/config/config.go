package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models approvline.yml.
type Config struct {
	Company struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"company"`
	Database      DatabaseConfig `yaml:"database"`
	Server        ServerConfig   `yaml:"server"`
	Auth          AuthConfig     `yaml:"auth"`
	Sweep         SweepConfig    `yaml:"sweep"`
	Logging       LoggingConfig  `yaml:"logging"`
	Notifications struct {
		RelayIntervalSeconds int             `yaml:"relay_interval_seconds"`
		NATS                 NATSConfig      `yaml:"nats"`
		Webhooks             []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type DatabaseConfig struct {
	Driver    string `yaml:"driver"`
	Workspace string `yaml:"workspace"`
	DSN       string `yaml:"dsn"`
}

type ServerConfig struct {
	Addr               string `yaml:"addr"`
	BasePath           string `yaml:"base_path"`
	AllowLegacyHeaders bool   `yaml:"allow_legacy_headers"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type SweepConfig struct {
	Schedule string `yaml:"schedule"`
	Enabled  *bool  `yaml:"enabled"`
}

func (s SweepConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Company.ID) == "" {
		return fmt.Errorf("config.company.id is required")
	}
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("config.database.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Sweep.IsEnabled() {
		if c.Sweep.Schedule == "" {
			return fmt.Errorf("config.sweep.schedule is required when the sweep is enabled")
		}
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			return fmt.Errorf("config.sweep.schedule: %w", err)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notifications.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "approvline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(companyID string) string {
	return fmt.Sprintf(defaultTemplate, companyID)
}

// Default returns the default Config for a company.
func Default(companyID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(companyID))).Decode(&cfg)
	return &cfg
}

// Load reads the workspace config, falling back to defaults when the file is absent.
func Load(workspace, companyID string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if companyID == "" {
			companyID = "default"
		}
		cfg = Default(companyID)
		cfg.Database.Workspace = workspace
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	var header struct {
		Company struct {
			ID string `yaml:"id"`
		} `yaml:"company"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg := Default(header.Company.ID)
	cfg.RBAC.Roles = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.RBAC.Roles == nil {
		cfg.RBAC.Roles = Default(header.Company.ID).RBAC.Roles
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `company:
  id: %s
  name: ""

database:
  driver: sqlite
  workspace: .

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_legacy_headers: false

sweep:
  schedule: "@every 1m"

logging:
  level: info
  format: json

notifications:
  relay_interval_seconds: 2
  nats:
    subject_prefix: approvline.events

rbac:
  roles:
    admin:
      description: "Full control of workflows, directory and overrides"
      permissions:
        - template.read
        - template.write
        - instance.read
        - instance.start
        - instance.cancel
        - workflow.reassign
        - workflow.override
        - workflow.comment.internal
        - events.read
        - directory.admin
    workflow_manager:
      description: "Designs templates and supervises running workflows"
      permissions:
        - template.read
        - template.write
        - instance.read
        - instance.start
        - instance.cancel
        - workflow.reassign
        - workflow.comment.internal
        - events.read
    approver:
      description: "Reviews and decides approval requests"
      permissions:
        - template.read
        - instance.read
        - workflow.comment.internal
    requester:
      description: "Business user whose documents go through approval"
      permissions:
        - instance.read
        - instance.start
    integration:
      description: "Entity services emitting mutation events"
      permissions:
        - instance.start
        - instance.read
`
