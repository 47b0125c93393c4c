package health

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/infra"
)

// SampleStore — источник метрик, в который можно писать (HTTP-ингест).
type SampleStore interface {
	MetricsSource
	Record(ctx context.Context, s domain.Sample) error
}

// MemoryStore держит последний замер каждого агента в памяти процесса.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[string]domain.Sample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{samples: make(map[string]domain.Sample)}
}

func (s *MemoryStore) Record(_ context.Context, sample domain.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[sample.AgentID] = sample
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context, agentID string) (domain.Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Sample{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.samples[agentID]
	return sample, ok, nil
}

// RedisStore хранит последний замер в HASH, общем для всех реплик.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

const (
	fieldAvailability = "availability"
	fieldErrorRate    = "error_rate"
	fieldLatency      = "latency_ms"
	fieldObservedAt   = "observed_at"
)

func (s *RedisStore) Record(ctx context.Context, sample domain.Sample) error {
	key := infra.AgentMetricsKey(sample.AgentID)
	fields := map[string]any{fieldObservedAt: sample.ObservedAt.UTC().Format(time.RFC3339Nano)}
	put := func(name string, v *float64) {
		if v != nil {
			fields[name] = strconv.FormatFloat(*v, 'f', -1, 64)
		}
	}
	put(fieldAvailability, sample.Availability)
	put(fieldErrorRate, sample.ErrorRate)
	put(fieldLatency, sample.LatencyMs)

	// Весь HASH заменяется целиком: отсутствующие поля не должны остаться от прошлого замера
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("health: redis record %s: %w", sample.AgentID, err)
	}
	return nil
}

func (s *RedisStore) Latest(ctx context.Context, agentID string) (domain.Sample, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, infra.AgentMetricsKey(agentID)).Result()
	if err != nil {
		return domain.Sample{}, false, fmt.Errorf("health: redis read %s: %w", agentID, err)
	}
	if len(vals) == 0 {
		return domain.Sample{}, false, nil
	}

	sample := domain.Sample{AgentID: agentID}
	get := func(name string) (*float64, error) {
		raw, ok := vals[name]
		if !ok {
			return nil, nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("health: field %s of %s: %w", name, agentID, err)
		}
		return &f, nil
	}
	if sample.Availability, err = get(fieldAvailability); err != nil {
		return domain.Sample{}, false, err
	}
	if sample.ErrorRate, err = get(fieldErrorRate); err != nil {
		return domain.Sample{}, false, err
	}
	if sample.LatencyMs, err = get(fieldLatency); err != nil {
		return domain.Sample{}, false, err
	}
	if raw, ok := vals[fieldObservedAt]; ok {
		if sample.ObservedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return domain.Sample{}, false, fmt.Errorf("health: observed_at of %s: %w", agentID, err)
		}
	}
	return sample, true, nil
}
