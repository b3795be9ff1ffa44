package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dm-service/internal/observability"
)

// Event names published on the bus.
const (
	EventMessageCreated  = "message.created"
	EventMessageSeen     = "message.seen"
	EventPresenceChanged = "presence.changed"
	EventWSConnect       = "ws.connect"
	EventWSDisconnect    = "ws.disconnect"
	EventWSSuperseded    = "ws.superseded"
	EventWSError         = "ws.error"
)

const (
	publishTimeout   = 2 * time.Second
	defaultQueueSize = 1024
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Option tunes a Bus.
type Option func(*Bus)

// WithQueueSize bounds how many events may wait for the publisher.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// Bus wraps domain events in an Envelope and hands them to a Publisher.
// Emit only enqueues; a single goroutine publishes in order. Publishing is
// best effort: a full queue or a failed publish is logged and counted,
// never returned.
type Bus struct {
	publisher   Publisher
	prefix      string
	service     string
	environment string
	now         func() time.Time

	queueSize int
	queue     chan pending
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

type pending struct {
	ctx      context.Context
	key      string
	envelope Envelope
}

type Envelope struct {
	SchemaVersion int    `json:"schema_version"`
	EventType     string `json:"event_type"`
	EventName     string `json:"event_name"`
	OccurredAt    string `json:"occurred_at"`
	Service       string `json:"service"`
	Environment   string `json:"environment"`
	UserID        *int64 `json:"user_id,omitempty"`
	Payload       any    `json:"payload"`
}

// NewBus builds a Bus and starts its publishing goroutine. Routing keys are
// "<prefix>.<event name>".
func NewBus(publisher Publisher, prefix, service, environment string, opts ...Option) *Bus {
	b := &Bus{
		publisher:   publisher,
		prefix:      prefix,
		service:     service,
		environment: environment,
		now:         time.Now,
		queueSize:   defaultQueueSize,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.queue = make(chan pending, b.queueSize)

	if publisher == nil {
		close(b.done)
		return b
	}
	go b.run()
	return b
}

// RoutingKey returns the key an event name is published under.
func (b *Bus) RoutingKey(eventName string) string {
	if b.prefix == "" {
		return eventName
	}
	return b.prefix + "." + eventName
}

// Emit queues one event without waiting for the broker. userID is omitted
// from the envelope when zero.
func (b *Bus) Emit(ctx context.Context, eventName string, userID int64, payload any) {
	if b == nil || b.publisher == nil {
		return
	}

	envelope := Envelope{
		SchemaVersion: 1,
		EventType:     "dm_event",
		EventName:     eventName,
		OccurredAt:    b.now().UTC().Format(time.RFC3339Nano),
		Service:       b.service,
		Environment:   b.environment,
		Payload:       payload,
	}
	if userID != 0 {
		envelope.UserID = &userID
	}

	// Events outlive the request that caused them.
	ev := pending{ctx: context.WithoutCancel(ctx), key: b.RoutingKey(eventName), envelope: envelope}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- ev:
	default:
		observability.IncPublishError()
		log.Warn().Str("routing_key", ev.key).Msg("event queue full, event dropped")
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for ev := range b.queue {
		b.publish(ev)
	}
}

func (b *Bus) publish(ev pending) {
	ctx, cancel := context.WithTimeout(ev.ctx, publishTimeout)
	defer cancel()

	if err := b.publisher.Publish(ctx, ev.key, ev.envelope); err != nil {
		observability.IncPublishError()
		log.Warn().Err(err).Str("routing_key", ev.key).Msg("event publish failed")
		return
	}
	log.Debug().Str("routing_key", ev.key).Msg("event published")
}

// Close stops accepting events, publishes what is already queued and then
// closes the publisher. Emit after Close is a no-op.
func (b *Bus) Close() error {
	if b == nil || b.publisher == nil {
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
	return b.publisher.Close()
}
