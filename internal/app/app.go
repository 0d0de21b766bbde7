package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"approvline/internal/config"
	"approvline/internal/db"
	"approvline/internal/engine"
	"approvline/internal/events"
	"approvline/internal/logging"
	"approvline/internal/metrics"
	"approvline/internal/migrate"
)

// App holds everything a process needs to run the engine: the open
// database, a bootstrapped engine and the background workers around it.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Engine   engine.Engine
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Relay    events.Relay

	closers []func() error
}

// Options tweak Open for tests and one-shot commands.
type Options struct {
	// Logger replaces the logger built from config.
	Logger *zap.Logger
	// Sinks replaces the sinks built from config.
	Sinks []events.Sink
	// Replay delivers the stored backlog to sinks without a cursor.
	Replay bool
	Now    func() time.Time
}

// Open prepares the workspace, opens and migrates the database, then
// bootstraps the configured company.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, err
		}
	}
	a := &App{Config: cfg, Logger: logger}

	dbCfg := db.Config{Driver: cfg.Database.Driver, Workspace: cfg.Database.Workspace, DSN: cfg.Database.DSN}
	if dbCfg.Dialect() == db.SQLite {
		if _, err := db.EnsureWorkspace(dbCfg.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if err := migrate.MigrateDialect(conn, dbCfg.Dialect()); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	e := engine.New(conn, cfg)
	e.Metrics = a.Metrics
	e.Logger = logger.Named("engine")
	if opts.Now != nil {
		e.Now = opts.Now
	}
	if err := e.Bootstrap(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = e

	sinks := opts.Sinks
	if sinks == nil {
		sinks, err = a.buildSinks()
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	interval := time.Duration(cfg.Notifications.RelayIntervalSeconds) * time.Second
	a.Relay = events.Relay{
		Repo:     e.Repo,
		Sinks:    sinks,
		Interval: interval,
		Replay:   opts.Replay,
		Logger:   logger.Named("relay"),
		Metrics:  a.Metrics,
	}
	logger.Debug("app ready",
		zap.String("company_id", cfg.Company.ID),
		zap.String("driver", string(dbCfg.Dialect())),
		zap.Int("sinks", len(sinks)))
	return a, nil
}

func (a *App) buildSinks() ([]events.Sink, error) {
	n := a.Config.Notifications
	sinks := []events.Sink{events.LogSink{Logger: a.Logger.Named("notify")}}
	for _, hook := range n.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		sinks = append(sinks, events.NewWebhookSink(hook))
	}
	if n.NATS.URL != "" {
		nc, err := events.ConnectNATS(n.NATS.URL, a.Logger.Named("nats"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func() error {
			return nc.Drain()
		})
		sinks = append(sinks, events.NATSSink{Conn: nc, Prefix: n.NATS.SubjectPrefix})
	}
	return sinks, nil
}

// SystemActor is the trusted actor local commands run as.
func (a *App) SystemActor() engine.Actor {
	return engine.Actor{UserID: engine.SystemActor, CompanyID: a.Config.Company.ID}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}
