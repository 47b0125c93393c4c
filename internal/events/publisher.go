package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

// Publisher — внешний транспорт событий жизненного цикла (at-least-once).
type Publisher interface {
	Publish(ctx context.Context, e domain.Event) error
}

// RedisPublisher публикует событие как JSON в канал Pub/Sub.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", e.Event, err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", e.Event, err)
	}
	return nil
}

// Fanout раздает событие всем получателям; ошибки одного не мешают остальным.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e domain.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.Event) error { return nil }
