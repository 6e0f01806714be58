// Command test-zoho-integration creates (or finds) a sample lead in the Zoho
// CRM of one configured tenant. It reads the same .env and config file as the
// service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/xavierca1/leadsync/internal/config"
	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/infra/integration/zoho"
	"github.com/xavierca1/leadsync/internal/logger"
)

func main() {
	configFile := flag.String("config", "", "config file with tenant credentials")
	tenant := flag.String("tenant", "", "tenant id (defaults to DEFAULT_TENANT)")
	email := flag.String("email", "joao.teste@example.com", "sample lead e-mail")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Init(logger.Options{Level: cfg.LogLevel, Format: "console", Service: "test-zoho-integration"})
	log := logger.Get()

	if *tenant == "" {
		*tenant = cfg.DefaultTenant
	}
	creds, ok := cfg.Tenants[*tenant]
	if !ok || creds.RefreshToken == "" {
		log.Fatal().Str("tenant_id", *tenant).Msg("no Zoho credentials for tenant, set ZOHO_REFRESH_TOKEN or a [tenants] entry")
	}

	client := zoho.NewClient(zoho.NewTokenSource(map[string]zoho.TenantConfig{
		*tenant: {
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RefreshToken: creds.RefreshToken,
			APIURL:       creds.APIURL,
			AccountsURL:  creds.AccountsURL,
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	existing, err := client.SearchByField(ctx, *tenant, entity.SearchEmail, *email)
	if err != nil {
		log.Fatal().Err(err).Msg("search failed")
	}
	if existing != nil {
		log.Info().Str("zoho_id", existing.ID).Str("name", existing.Name).Str("status", existing.Status).Msg("lead already exists")
		return
	}

	id, err := client.Create(ctx, *tenant, entity.ExternalWrite{
		Fields: map[entity.Field]string{
			entity.FieldName:      "Joao Teste da Silva",
			entity.FieldEmail:     *email,
			entity.FieldPhone:     "+556199767638",
			entity.FieldSourceTag: "Website",
			entity.FieldStatus:    "Not Contacted",
		},
		Extra: map[string]string{"city": "Brasilia"},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create failed")
	}
	log.Info().Str("zoho_id", id).Str("tenant_id", *tenant).Msg("lead created")
}
