package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-lifecycle/internal/infra"
)

// Scheduler — внешний источник тиков. Run блокируется до отмены ctx и на каждый
// тик вызывает fire с идентификатором тика.
type Scheduler interface {
	Run(ctx context.Context, fire func(tickID string))
}

// IntervalScheduler тикает с фиксированным периодом.
type IntervalScheduler struct {
	Interval time.Duration
}

func (s IntervalScheduler) Run(ctx context.Context, fire func(tickID string)) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire(uuid.NewString())
		}
	}
}

// ExternalScheduler сам не тикает: тики приходят через Manager.Trigger (вебхук).
type ExternalScheduler struct{}

func (ExternalScheduler) Run(ctx context.Context, _ func(string)) {
	<-ctx.Done()
}

// RedisScheduler слушает канал тиков. Каждый tick_id обрабатывает ровно одна
// реплика: кто первым взял SetNX-блокировку.
type RedisScheduler struct {
	rdb     *redis.Client
	channel string
	lockTTL time.Duration
	logger  *zap.Logger
}

func NewRedisScheduler(rdb *redis.Client, channel string, lockTTL time.Duration, logger *zap.Logger) *RedisScheduler {
	return &RedisScheduler{
		rdb:     rdb,
		channel: channel,
		lockTTL: lockTTL,
		logger:  logger.With(zap.String("mod", "redis_scheduler")),
	}
}

// Run держит живучую подписку: переподключается, пока ctx не отменен.
func (s *RedisScheduler) Run(ctx context.Context, fire func(tickID string)) {
	for {
		pubsub := s.rdb.Subscribe(ctx, s.channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("failed to subscribe", zap.String("chan", s.channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // канал закрыт, идем на переподключение
				}
				tickID := strings.TrimSpace(msg.Payload)
				if tickID == "" {
					tickID = uuid.NewString()
				}
				if s.claim(ctx, tickID) {
					fire(tickID)
				}
			}
		}

		_ = pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func (s *RedisScheduler) claim(ctx context.Context, tickID string) bool {
	ok, err := s.rdb.SetNX(ctx, infra.TickLockKey(tickID), "1", s.lockTTL).Result()
	if err != nil {
		s.logger.Warn("tick lock failed", zap.String("tick_id", tickID), zap.Error(err))
		return false
	}
	if !ok {
		s.logger.Debug("tick claimed by another replica", zap.String("tick_id", tickID))
	}
	return ok
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
