package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loykin/plugind/internal/history"
)

// Sink publishes records as JSON on a Redis pub/sub channel. When List is
// set the record is also appended to a capped list so late readers can catch up.
type Sink struct {
	client  *goredis.Client
	channel string
	list    string
	keep    int64
}

type Config struct {
	Address  string
	Password string
	DB       int
	Channel  string
	// List, when set, receives an LPUSH of every record, trimmed to Keep entries.
	List string
	Keep int64
}

// New builds the client without connecting; use Ping to verify reachability.
func New(cfg Config) (*Sink, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = "plugind:events"
	}
	if cfg.List != "" && cfg.Keep <= 0 {
		cfg.Keep = 1000
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Sink{client: client, channel: cfg.Channel, list: cfg.List, keep: cfg.Keep}, nil
}

func (s *Sink) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, r history.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if s.list == "" {
		return s.client.Publish(ctx, s.channel, b).Err()
	}
	pipe := s.client.TxPipeline()
	pipe.Publish(ctx, s.channel, b)
	pipe.LPush(ctx, s.list, b)
	pipe.LTrim(ctx, s.list, 0, s.keep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (s *Sink) Channel() string { return s.channel }

func (s *Sink) Name() string { return "redis" }

func (s *Sink) Close() error { return s.client.Close() }
