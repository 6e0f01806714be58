package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/infra/http/middleware"
	"github.com/xavierca1/leadsync/internal/logger"
	"github.com/xavierca1/leadsync/internal/usecase"
)

var ErrDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// LeadEventHandler runs the automation side effects of one lead event.
type LeadEventHandler interface {
	Handle(ctx context.Context, ev entity.LeadEvent) error
}

// Consumer is the subset of *amqp.Channel used to consume.
type Consumer interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Worker consumes the automation queue. A failed delivery is republished with
// an incremented retry header until MaxRedeliveries, then rejected to the DLQ.
type Worker struct {
	Channel         Consumer
	Producer        *RabbitMQProducer
	Handler         LeadEventHandler
	MaxRedeliveries int
	Log             *zerolog.Logger
}

func NewWorker(ch Consumer, producer *RabbitMQProducer, handler LeadEventHandler, maxRedeliveries int) *Worker {
	return &Worker{
		Channel:         ch,
		Producer:        producer,
		Handler:         handler,
		MaxRedeliveries: maxRedeliveries,
		Log:             logger.Named("automation-worker"),
	}
}

// Start blocks until ctx is cancelled or the broker closes the channel.
func (w *Worker) Start(ctx context.Context, queueName string) error {
	msgs, err := w.Channel.Consume(
		queueName,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer on %s: %w", queueName, err)
	}

	w.Log.Info().Str("queue", queueName).Msg("automation worker consuming")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return ErrDeliveriesClosed
			}
			w.HandleDelivery(ctx, d)
		}
	}
}

func (w *Worker) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	var ev entity.LeadEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		w.Log.Error().Err(err).Str("message_id", d.MessageId).Msg("malformed lead event, dead-lettering")
		_ = d.Nack(false, false)
		middleware.RecordAutomationDelivery("dead")
		return
	}

	ctx = logger.WithRequest(ctx, ev.ID, ev.TenantID)
	log := logger.C(ctx, w.Log).With().Str("event", ev.Type).Str("local_id", ev.LocalID).Logger()

	err := w.Handler.Handle(ctx, ev)
	if err == nil {
		_ = d.Ack(false)
		middleware.RecordAutomationDelivery("ack")
		return
	}

	retries := retryCount(d.Headers)
	if usecase.Classify(err) != usecase.OutcomeFatal && retries < w.MaxRedeliveries && w.Producer != nil {
		pubErr := w.Producer.publish(ctx, ev, int32(retries+1))
		if pubErr == nil {
			_ = d.Ack(false)
			middleware.RecordAutomationDelivery("retry")
			log.Warn().Err(err).Int("retry", retries+1).Msg("automation failed, requeued")
			return
		}
		log.Error().Err(pubErr).Msg("could not requeue lead event")
	}

	_ = d.Nack(false, false)
	middleware.RecordAutomationDelivery("dead")
	log.Error().Err(err).Int("retries", retries).Msg("automation failed, dead-lettered")
}

func retryCount(h amqp.Table) int {
	switch v := h[HeaderRetries].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
