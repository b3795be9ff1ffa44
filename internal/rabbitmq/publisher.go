package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"dm-service/internal/telemetry"
)

// NewPublisher connects to RabbitMQ and declares a topic exchange. When AMQP
// is unconfigured or unreachable it returns a publisher that only logs.
func NewPublisher(amqpURL, exchange string) telemetry.Publisher {
	if amqpURL == "" {
		return noop("empty amqp url")
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return noop(err.Error())
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return noop(err.Error())
	}

	// durable, not auto-deleted, not internal, wait for the broker
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return noop(err.Error())
	}

	log.Info().Str("exchange", exchange).Msg("rabbitmq connected")
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange}
}

type amqpPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if env, ok := envelopeOf(event); ok {
		msg.Type = env.EventName
		msg.AppId = env.Service
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	reason string
}

func noop(reason string) noopPublisher {
	log.Warn().Str("reason", reason).Msg("rabbitmq disabled, using noop publisher")
	return noopPublisher{reason: reason}
}

func (noopPublisher) Publish(_ context.Context, routingKey string, event any) error {
	ev := log.Debug().Str("routing_key", routingKey)
	if env, ok := envelopeOf(event); ok {
		ev = ev.Str("event_name", env.EventName)
	}
	ev.Msg("rabbitmq noop publish")
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

func envelopeOf(event any) (telemetry.Envelope, bool) {
	switch env := event.(type) {
	case telemetry.Envelope:
		return env, true
	case *telemetry.Envelope:
		if env != nil {
			return *env, true
		}
	}
	return telemetry.Envelope{}, false
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p telemetry.Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

// PublisherNoopReason explains why a noop publisher was chosen.
func PublisherNoopReason(p telemetry.Publisher) string {
	if n, ok := p.(noopPublisher); ok {
		return n.reason
	}
	return ""
}
