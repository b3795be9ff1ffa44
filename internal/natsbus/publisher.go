// Package natsbus publishes domain events to NATS, optionally persisting them
// in a JetStream stream that captures every subject under the event prefix.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

type Publisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials NATS. When stream is not empty the stream is looked up or
// created with subjects "<prefix>.>" and publishes go through JetStream.
func Connect(ctx context.Context, url, prefix, stream string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("dm-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	p := &Publisher{nc: nc}
	if stream == "" {
		log.Info().Str("url", url).Msg("nats connected")
		return p, nil
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := js.Stream(ctx, stream); err != nil {
		log.Info().Str("stream", stream).Msg("jetstream stream not found, creating")
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        stream,
			Description: "Direct messaging domain events",
			Subjects:    []string{prefix + ".>"},
			MaxAge:      24 * time.Hour,
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %q: %w", stream, err)
		}
	}

	p.js = js
	log.Info().Str("url", url).Str("stream", stream).Msg("nats jetstream connected")
	return p, nil
}

// Publish sends event as JSON on the subject routingKey.
func (p *Publisher) Publish(ctx context.Context, routingKey string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if p.js != nil {
		if _, err := p.js.Publish(ctx, routingKey, data); err != nil {
			return fmt.Errorf("jetstream publish %q: %w", routingKey, err)
		}
		return nil
	}
	if err := p.nc.Publish(routingKey, data); err != nil {
		return fmt.Errorf("nats publish %q: %w", routingKey, err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
