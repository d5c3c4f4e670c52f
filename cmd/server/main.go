// Package main runs the coordinator: the HTTP API, the session and prompt
// services, and the expiry sweeper. Task phases run in-process in local mode
// or on the external compute platform in platform mode.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/sealedai/relay/internal/app"
	"github.com/sealedai/relay/internal/app/httpapi"
	"github.com/sealedai/relay/internal/app/storage/postgres"
	"github.com/sealedai/relay/internal/config"
	"github.com/sealedai/relay/internal/platform/migrations"
	"github.com/sealedai/relay/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "config/relay.yaml", "Path to the YAML configuration file")
		envFile    = flag.String("env", "", "Optional .env file loaded before configuration")
		migrate    = flag.Bool("migrate", true, "Apply database migrations on startup")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			logger.NewDefault("server").WithError(err).Fatal("load env file")
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("server").WithError(err).Fatal("load configuration")
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	}).WithField("component", "server")

	stores, db, err := buildStores(cfg, *migrate, log)
	if err != nil {
		log.WithError(err).Fatal("configure stores")
	}

	application, err := app.New(cfg, stores, log)
	if err != nil {
		log.WithError(err).Fatal("build application")
	}

	handler, err := httpapi.NewHandler(httpapi.Config{
		Sessions:      application.Sessions,
		Oracle:        application.Oracle,
		JWTSecret:     []byte(cfg.Auth.JWTSecret),
		RatePerSecond: cfg.Server.RatePerSecond,
		Burst:         cfg.Server.RateBurst,
		AuditMax:      cfg.Audit.MaxEntries,
		AuditFile:     cfg.Audit.File,
		Log:           log.WithField("component", "httpapi"),
	})
	if err != nil {
		log.WithError(err).Fatal("build HTTP handler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start application")
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("HTTP server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("close database")
		}
	}

	log.Info("coordinator stopped")
}

// buildStores opens Postgres when a DSN is configured; otherwise the
// application falls back to its in-memory stores.
func buildStores(cfg config.Config, migrate bool, log *logger.Logger) (app.Stores, *sql.DB, error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database DSN configured; using in-memory stores")
		return app.Stores{}, nil, nil
	}

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}

	if migrate {
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return app.Stores{}, nil, err
		}
		log.Info("database migrations applied")
	}

	store := postgres.New(db)
	return app.Stores{Sessions: store, Prompts: store}, db, nil
}
