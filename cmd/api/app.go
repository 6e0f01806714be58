package main

import (
	"context"
	"fmt"
	"time"

	"github.com/xavierca1/leadsync/internal/config"
	"github.com/xavierca1/leadsync/internal/infra/database"
	"github.com/xavierca1/leadsync/internal/infra/integration/zoho"
	"github.com/xavierca1/leadsync/internal/logger"
	"github.com/xavierca1/leadsync/internal/usecase"
)

// app holds the components every command shares.
type app struct {
	cfg       *config.Config
	db        *database.DB
	outbox    *database.OutboxRepository
	ingest    *usecase.IngestLeadUseCase
	ownership *usecase.OwnershipService
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "leadsync",
		File:    cfg.LogFile,
	})
	return cfg, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.NewDBConnection(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := database.Migrate(mctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sources := usecase.NewSourceTags()
	if cfg.SourceMapFile != "" {
		if sources, err = usecase.LoadSourceTags(cfg.SourceMapFile); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	tenants := make(map[string]zoho.TenantConfig, len(cfg.Tenants))
	for id, c := range cfg.Tenants {
		tenants[id] = zoho.TenantConfig{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RefreshToken: c.RefreshToken,
			APIURL:       c.APIURL,
			AccountsURL:  c.AccountsURL,
		}
	}
	crm := zoho.NewClient(zoho.NewTokenSource(tenants))

	leads := database.NewLeadRepository(db)
	ownership := usecase.NewOwnershipService(crm, leads)
	ownership.MaxAttempts = cfg.SyncMaxAttempts
	ownership.BatchSize = cfg.SyncBatchSize

	ingest := usecase.NewIngestLeadUseCase(
		usecase.NewNormalizer(sources),
		usecase.NewDeduplicator(crm, leads),
		crm,
		leads,
	)

	return &app{
		cfg:       cfg,
		db:        db,
		outbox:    database.NewOutboxRepository(db),
		ingest:    ingest,
		ownership: ownership,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
