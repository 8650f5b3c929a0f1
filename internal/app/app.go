// Package app wires configuration into a running deltasync process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"deltasync/internal/applier"
	"deltasync/internal/cascade"
	"deltasync/internal/config"
	"deltasync/internal/consumer"
	"deltasync/internal/db"
	"deltasync/internal/document"
	"deltasync/internal/engine"
	"deltasync/internal/migrate"
	"deltasync/internal/notify"
	"deltasync/internal/publication"
	"deltasync/internal/scheduler"
	"deltasync/internal/server"
	"deltasync/internal/sparql"
	"deltasync/internal/store"
)

type App struct {
	Config    *config.Config
	DB        *sql.DB
	Dataset   store.Dataset
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
}

// Build opens the task log, migrates it and assembles the pipeline. A nil
// dataset means the configured SPARQL endpoint.
func Build(ctx context.Context, cfg *config.Config, ds store.Dataset, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	strategy, err := consumer.ParseStrategy(cfg.Apply.Strategy)
	if err != nil {
		return nil, err
	}
	initial, err := cfg.InitialWatermark()
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: cfg.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open task log: %w", err)
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate task log: %w", err)
	}
	logger.Debug("task log ready", "path", db.Path(cfg.Workspace), "schema_version", version)

	if ds == nil {
		ds = newDataset(cfg, logger)
	}
	pub := publication.New(publication.Options{
		BaseURL:      cfg.Publication.BaseURL,
		FilesPath:    cfg.Publication.FilesPath,
		DownloadPath: cfg.Publication.DownloadPath,
		DocumentPath: cfg.Publication.DocumentPath,
		Timeout:      cfg.Publication.Timeout,
		Logger:       logger,
	})
	cons := consumer.New(consumer.Options{
		Strategy:      strategy,
		PublicGraph:   cfg.Apply.PublicGraph,
		StagingBase:   cfg.Apply.StagingBase,
		ReleaseGraph:  cfg.ReleaseGraph(),
		ReleaseStatus: cfg.Release.Status,
		ResourceBase:  cfg.ResourceBase,
		ScratchDir:    cfg.ScratchDir,
		SettleDelay:   cfg.Apply.SettleDelay,
	}, ds, pub,
		applier.New(cfg.Apply.BatchSize, logger),
		cascade.New(cfg.Apply.SessionClass, logger),
		document.New(pub, cfg.Documents.ShareDir, logger),
		logger)

	eng := engine.New(conn, pub, cons, notifiers(cfg, ds), engine.Options{
		Environment:  cfg.Environment,
		InitialSince: initial,
		Logger:       logger,
	})
	return &App{
		Config:    cfg,
		DB:        conn,
		Dataset:   ds,
		Engine:    eng,
		Scheduler: scheduler.New(eng, cfg.Sync.Interval, logger),
		Logger:    logger,
	}, nil
}

func newDataset(cfg *config.Config, logger *slog.Logger) *store.SPARQL {
	client := sparql.New(cfg.Store.Endpoint, cfg.Store.Timeout)
	grant := sparql.Grant{
		Graphs:   []string{cfg.Apply.PublicGraph, cfg.ReleaseGraph(), cfg.Notify.Email.Graph},
		Prefixes: []string{cfg.Apply.StagingBase},
	}
	return &store.SPARQL{Client: client, Capability: client.Privileged(grant), Logger: logger}
}

func notifiers(cfg *config.Config, ds store.Dataset) notify.Notifier {
	var n notify.Multi
	if cfg.Notify.Email.To != "" {
		n = append(n, &notify.EmailOutbox{
			Dataset:      ds,
			Graph:        cfg.Notify.Email.Graph,
			Outbox:       cfg.Notify.Email.Outbox,
			From:         cfg.Notify.Email.From,
			To:           cfg.Notify.Email.To,
			ResourceBase: cfg.ResourceBase,
		})
	}
	if cfg.Notify.Webhook.URL != "" {
		n = append(n, &notify.Webhook{
			URL:     cfg.Notify.Webhook.URL,
			Secret:  cfg.Notify.Webhook.Secret,
			Kinds:   cfg.Notify.Webhook.Kinds,
			Timeout: cfg.Notify.Webhook.Timeout,
		})
	}
	if len(n) == 0 {
		return notify.Nop{}
	}
	return n
}

// Handler builds the control surface over the scheduler and engine.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Trigger:  a.Scheduler,
		Tasks:    a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret: a.Config.Server.JWTSecret,
			APIKey:    a.Config.Server.APIKey,
			Logger:    a.Logger,
		},
		Logger: a.Logger,
	})
}

// Serve starts the scheduler and the control surface and blocks until ctx
// is done or the listener fails.
func (a *App) Serve(ctx context.Context) error {
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.Scheduler.Stop()

	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("control surface listening", "addr", srv.Addr, "strategy", a.Config.Apply.Strategy, "interval", a.Config.Sync.Interval)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
