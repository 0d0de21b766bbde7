package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"approvline/internal/app"
	"approvline/internal/db"
	"approvline/internal/migrate"
	"approvline/internal/scheduler"
	"approvline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSweep, replay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server, notification relay and timeout sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, cfg, app.Options{Replay: replay})
			if err != nil {
				return err
			}
			defer a.Close()
			logger := a.Logger

			if cfg.Auth.JWTSecret == "" {
				logger.Warn("no jwt secret configured, bearer tokens are rejected")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:          cfg.Auth.JWTSecret,
					AllowLegacyHeaders: cfg.Server.AllowLegacyHeaders,
					DefaultCompanyID:   cfg.Company.ID,
					Logger:             logger.Named("auth"),
				},
				Logger:   logger.Named("http"),
				Metrics:  a.Metrics,
				Gatherer: a.Registry,
			})
			if err != nil {
				return err
			}

			if cfg.Sweep.IsEnabled() && !noSweep {
				sched, err := scheduler.New(a.Engine, cfg.Sweep.Schedule, logger.Named("sweep"))
				if err != nil {
					return err
				}
				sched.Start()
				defer sched.Stop()
			}
			relayDone := make(chan struct{})
			go func() {
				defer close(relayDone)
				a.Relay.Run(ctx)
			}()

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("http shutdown", zap.Error(err))
				}
			}()
			logger.Info("serving approvline api",
				zap.String("addr", cfg.Server.Addr),
				zap.String("base_path", cfg.Server.BasePath),
				zap.String("company_id", cfg.Company.ID))
			fmt.Printf("Serving Approvline API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			err = srv.ListenAndServe()
			stop()
			<-relayDone
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not schedule the timeout sweep")
	cmd.Flags().BoolVar(&replay, "replay", false, "deliver stored events to sinks that have never run")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dbCfg := db.Config{Driver: cfg.Database.Driver, Workspace: cfg.Database.Workspace, DSN: cfg.Database.DSN}
			conn, err := db.Open(dbCfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			// A database that was never migrated has no schema_version table.
			before, _ := migrate.Version(conn)
			if err := migrate.MigrateDialect(conn, dbCfg.Dialect()); err != nil {
				return err
			}
			after, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"driver": dbCfg.Dialect(), "from_version": before, "version": after})
		},
	}
}
