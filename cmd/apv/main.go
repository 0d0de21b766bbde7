package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"approvline/internal/app"
	"approvline/internal/config"
	"approvline/internal/db"
	"approvline/internal/engine"
	"approvline/internal/events"
)

var rootCmd = &cobra.Command{
	Use:   "apv",
	Short: "Approvline CLI",
	Long: `Approvline runs approval workflows for business entities.
- Templates: ordered steps bound to an entity type and trigger, gated by conditions.
- Entity events: create/update notices that start matching active templates.
- Instances: one run of a template for one entity; steps advance as reviewers decide.
- Steps: approval/review steps wait for a user or role; parallel steps tally all/any/majority.
- Sweep: timed-out steps are rejected, skipped or escalated on a schedule.
Local commands act as the trusted operator unless --as names a directory user.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("driver") == config.DriverPostgres {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("APPROVLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.StringP("config", "c", "", "config file (default <workspace>/approvline.yml)")
	pf.String("company", "", "company id when no config file exists")
	pf.String("driver", "", "database driver override (sqlite or postgres)")
	pf.String("dsn", "", "database DSN override")
	pf.String("log-level", "", "log level override")
	pf.String("as", "", "act as this directory user instead of the operator")
	pf.Bool("json", false, "output JSON")
	for _, name := range []string{"workspace", "config", "company", "driver", "dsn", "log-level", "as", "json"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Auth.JWTSecret = redact(cfg.Auth.JWTSecret)
			for i := range cfg.Notifications.Webhooks {
				cfg.Notifications.Webhooks[i].Secret = redact(cfg.Notifications.Webhooks[i].Secret)
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default approvline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			company := viper.GetString("company")
			if company == "" {
				company = "default"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(company)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return c
}

// --- helpers ---

// loadConfig reads the config file and applies flag and APPROVLINE_* env
// overrides on top.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(workspace, viper.GetString("company"))
	}
	if err != nil {
		return nil, err
	}
	if cfg.Database.Workspace == "" || cfg.Database.Workspace == "." {
		cfg.Database.Workspace = workspace
	}
	if v := viper.GetString("driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v := viper.GetString("dsn"); v != "" {
		cfg.Database.DSN = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	return cfg, cfg.Validate()
}

var noSinks = []events.Sink{}

func withApp(ctx context.Context, opts app.Options, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.Sinks == nil {
		// One-shot commands leave delivery to the relay of the running server.
		opts.Sinks = noSinks
	}
	if opts.Logger == nil && viper.GetString("log-level") == "" {
		cfg.Logging.Level = "warn"
	}
	a, err := app.Open(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// actor is the operator, or the directory user named by --as.
func actor(a *app.App) engine.Actor {
	if as := viper.GetString("as"); as != "" {
		return engine.Actor{UserID: as, CompanyID: a.Config.Company.ID}
	}
	return a.SystemActor()
}

func printJSONOrTable(v any, header table.Row, rows []table.Row) error {
	if isJSON() || header == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func isJSON() bool { return viper.GetBool("json") }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseSnapshot(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]any
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("snapshot must be a JSON object: %w", err)
	}
	return out, nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
