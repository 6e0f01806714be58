package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xavierca1/leadsync/internal/entity"
)

// HeaderTenant and HeaderRetries are set on every published lead event.
const (
	HeaderTenant  = "x-tenant-id"
	HeaderRetries = "x-retry-count"
)

// Publisher is the subset of *amqp.Channel used to publish.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type RabbitMQProducer struct {
	Ch Publisher
}

func NewProducer(ch Publisher) *RabbitMQProducer {
	return &RabbitMQProducer{Ch: ch}
}

// PublishLeadEvent routes ev by its type. The event id doubles as the AMQP
// message id so consumers can drop redelivered duplicates.
func (p *RabbitMQProducer) PublishLeadEvent(ctx context.Context, ev entity.LeadEvent) error {
	return p.publish(ctx, ev, 0)
}

func (p *RabbitMQProducer) publish(ctx context.Context, ev entity.LeadEvent, retries int32) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode lead event: %w", err)
	}

	err = p.Ch.PublishWithContext(ctx,
		ExchangeName,
		ev.Type,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    ev.ID,
			Timestamp:    ev.OccurredAt,
			Type:         ev.Type,
			Headers:      amqp.Table{HeaderTenant: ev.TenantID, HeaderRetries: retries},
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}
