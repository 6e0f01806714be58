package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/xavierca1/leadsync/internal/infra/http/middleware"
	"github.com/xavierca1/leadsync/internal/logger"
	"github.com/xavierca1/leadsync/internal/usecase"
)

type Sweeper interface {
	SyncPendingToExternal(ctx context.Context) (usecase.SyncReport, error)
}

// SyncSweepWorker replays queued CRM writes on a fixed interval.
type SyncSweepWorker struct {
	Sweeper  Sweeper
	Interval time.Duration
	Log      *zerolog.Logger
}

func NewSyncSweepWorker(s Sweeper, interval time.Duration) *SyncSweepWorker {
	return &SyncSweepWorker{
		Sweeper:  s,
		Interval: interval,
		Log:      logger.Named("sync-sweep"),
	}
}

func (w *SyncSweepWorker) Start(ctx context.Context) {
	w.Log.Info().Dur("interval", w.Interval).Msg("sync sweep worker started")

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			w.Log.Info().Msg("sync sweep worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *SyncSweepWorker) RunOnce(ctx context.Context) (usecase.SyncReport, error) {
	report, err := w.Sweeper.SyncPendingToExternal(ctx)
	if errors.Is(err, usecase.ErrSweepInProgress) {
		w.Log.Debug().Msg("previous sweep still running, skipping tick")
		return report, err
	}
	if err != nil {
		w.Log.Error().Err(err).Msg("sync sweep failed")
		return report, err
	}

	middleware.RecordSweep(report.Synced, report.Failed, report.DeadLettered, report.Adopted)
	if report.Total > 0 {
		w.Log.Info().
			Int("synced", report.Synced).
			Int("failed", report.Failed).
			Int("dead_lettered", report.DeadLettered).
			Int("adopted", report.Adopted).
			Int("total", report.Total).
			Msg("sync sweep finished")
	}
	return report, nil
}
