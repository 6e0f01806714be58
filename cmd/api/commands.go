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
	"golang.org/x/sync/errgroup"

	"github.com/xavierca1/leadsync/internal/infra/automation"
	"github.com/xavierca1/leadsync/internal/infra/database"
	"github.com/xavierca1/leadsync/internal/infra/http/handlers"
	"github.com/xavierca1/leadsync/internal/infra/queue"
	"github.com/xavierca1/leadsync/internal/infra/worker"
	"github.com/xavierca1/leadsync/internal/logger"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the outbox relay, the automation consumer and the sync sweep",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Replay queued CRM writes once and exit",
	RunE:  runSweep,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the local schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Get().Info().Str("driver", db.Driver).Msg("schema up to date")
		return nil
	},
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := worker.NewSyncSweepWorker(a.ownership, a.cfg.SyncInterval).RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "synced=%d failed=%d dead=%d adopted=%d total=%d\n",
		report.Synced, report.Failed, report.DeadLettered, report.Adopted, report.Total)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	log := logger.Named("server")

	rmq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return err
	}
	defer rmq.Close()
	producer := queue.NewProducer(rmq.Ch)

	var notifier automation.Notifier
	if cfg.MailHost != "" && cfg.SalesInbox != "" {
		notifier = automation.NewEmailSender(cfg.MailHost, cfg.MailPort, cfg.MailUser, cfg.MailPass, cfg.MailFrom, cfg.SalesInbox)
	} else {
		log.Warn().Msg("MAIL_HOST or SALES_INBOX not set, new-lead e-mails disabled")
	}
	consumer := queue.NewWorker(rmq.Ch, producer, automation.NewLeadAutomation(notifier, a.ownership), cfg.MaxRedeliveries)

	relay := worker.NewOutboxRelay(a.outbox, producer, cfg.OutboxInterval)
	relay.MaxAttempts = cfg.OutboxMaxAttempts
	if a.db.Driver == database.DriverPostgres {
		listener, wake, err := worker.ListenNotify(cfg.DatabaseURL, database.OutboxChannel, log)
		if err != nil {
			log.Warn().Err(err).Msg("outbox notifications unavailable, relay will poll")
		} else {
			defer listener.Close()
			relay.Wake = wake
		}
	}
	sweeper := worker.NewSyncSweepWorker(a.ownership, cfg.SyncInterval)

	limiter := handlers.NewRateLimiter(cfg.RateLimitRPM, time.Minute)
	router := handlers.NewRouter(
		handlers.RouterConfig{DefaultTenant: cfg.DefaultTenant, CORSOrigins: cfg.CORSOrigins, Limiter: limiter},
		handlers.NewLeadHandler(a.ingest, a.ownership),
		handlers.NewSyncHandler(a.ownership),
		handlers.NewHealthHandler(a.db, rmq, version),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down http server")
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		limiter.Cleanup(gctx.Done())
		return nil
	})
	g.Go(func() error {
		relay.Start(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		err := consumer.Start(gctx, queue.QueueName)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("service stopped with error")
		return err
	}
	log.Info().Msg("service stopped")
	return nil
}
