package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/loykin/plugind/internal/history"
)

// Sink publishes records to a RabbitMQ topic exchange with routing key
// "<prefix>.<event>", e.g. "plugind.statechange".
type Sink struct {
	conn     *amqp.Connection
	mu       sync.Mutex // amqp channels are not safe for concurrent publish
	ch       *amqp.Channel
	exchange string
	prefix   string
}

type Config struct {
	URL      string
	Exchange string
	Prefix   string
	Durable  bool
}

func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "plugind.events"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "plugind"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare amqp exchange: %w", err)
	}
	return &Sink{conn: conn, ch: ch, exchange: cfg.Exchange, prefix: cfg.Prefix}, nil
}

// RoutingKey is the key a record is published under.
func RoutingKey(prefix string, r history.Record) string {
	return prefix + "." + r.Event
}

func (s *Sink) Send(ctx context.Context, r history.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(s.prefix, r), false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    r.ID,
		Timestamp:    r.OccurredAt,
		Type:         r.Event,
		DeliveryMode: amqp.Persistent,
		Body:         b,
	})
}

func (s *Sink) Name() string { return "amqp" }

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ch.Close()
	return s.conn.Close()
}
