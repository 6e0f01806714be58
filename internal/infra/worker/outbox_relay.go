package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/infra/http/middleware"
	"github.com/xavierca1/leadsync/internal/logger"
)

const (
	DefaultOutboxBatch       = 100
	DefaultOutboxMaxAttempts = 10
)

type OutboxStore interface {
	FetchPending(ctx context.Context, limit int) ([]entity.OutboxRecord, error)
	MarkPublished(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) (bool, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type EventPublisher interface {
	PublishLeadEvent(ctx context.Context, ev entity.LeadEvent) error
}

// OutboxRelay moves committed lead events to the broker. It runs on a ticker
// and, when Wake is set, as soon as the database signals a new event.
type OutboxRelay struct {
	Store       OutboxStore
	Publisher   EventPublisher
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Wake        <-chan struct{}
	Log         *zerolog.Logger
}

func NewOutboxRelay(store OutboxStore, publisher EventPublisher, interval time.Duration) *OutboxRelay {
	return &OutboxRelay{
		Store:       store,
		Publisher:   publisher,
		Interval:    interval,
		BatchSize:   DefaultOutboxBatch,
		MaxAttempts: DefaultOutboxMaxAttempts,
		Log:         logger.Named("outbox-relay"),
	}
}

func (r *OutboxRelay) Start(ctx context.Context) {
	r.Log.Info().Dur("interval", r.Interval).Bool("listen", r.Wake != nil).Msg("outbox relay started")

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.drain(ctx)

	wake := r.Wake
	for {
		select {
		case <-ctx.Done():
			r.Log.Info().Msg("outbox relay stopped")
			return
		case <-ticker.C:
			r.drain(ctx)
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			r.drain(ctx)
		}
	}
}

// drain relays full batches until the backlog is empty.
func (r *OutboxRelay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.RelayOnce(ctx)
		if err != nil || n < r.BatchSize {
			break
		}
	}
	if counts, err := r.Store.CountByStatus(ctx); err == nil {
		middleware.SetOutboxBacklog(counts)
	}
}

// RelayOnce publishes one batch and returns how many events it handled.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	records, err := r.Store.FetchPending(ctx, r.BatchSize)
	if err != nil {
		r.Log.Error().Err(err).Msg("fetch pending outbox events")
		return 0, err
	}

	for _, rec := range records {
		ev := rec.Event
		log := r.Log.With().Str("event_id", ev.ID).Str("event", ev.Type).Str("tenant_id", ev.TenantID).Logger()

		if err := r.Publisher.PublishLeadEvent(ctx, ev); err != nil {
			dead, markErr := r.Store.MarkFailed(ctx, ev.ID, err, r.MaxAttempts)
			if markErr != nil {
				log.Error().Err(markErr).Msg("record outbox failure")
				return 0, markErr
			}
			if dead {
				log.Error().Err(err).Int("attempts", rec.Attempts+1).Msg("outbox event parked as dead")
			} else {
				log.Warn().Err(err).Int("attempts", rec.Attempts+1).Msg("publish failed, will retry")
			}
			// stop at the first failure so events keep their order
			return len(records), err
		}
		if err := r.Store.MarkPublished(ctx, ev.ID); err != nil {
			log.Error().Err(err).Msg("mark outbox event published")
			return 0, err
		}
		log.Debug().Msg("outbox event published")
	}
	return len(records), nil
}
