package health

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"go.uber.org/zap"
)

// MetricsSource — откуда берутся сырые метрики агента. ok=false означает «замера нет».
type MetricsSource interface {
	Latest(ctx context.Context, agentID string) (domain.Sample, bool, error)
}

// Updater — управляемый API реестра для записи health_score.
type Updater interface {
	UpdateHealth(ctx context.Context, id string, score float64, observedAt time.Time) (domain.Agent, error)
}

// Weights — веса компонент оценки. Перенормируются по присутствующим компонентам.
type Weights struct {
	Availability float64
	ErrorRate    float64
	Latency      float64
}

type Config struct {
	Weights           Weights
	HealthyThreshold  float64
	CriticalThreshold float64
	LatencyCeiling    time.Duration
	MaxSampleAge      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Weights:           Weights{Availability: 0.4, ErrorRate: 0.3, Latency: 0.3},
		HealthyThreshold:  0.6,
		CriticalThreshold: 0.3,
		LatencyCeiling:    10 * time.Second,
		MaxSampleAge:      5 * time.Minute,
	}
}

// Monitor считает и классифицирует здоровье. Состояние агента он не меняет.
type Monitor struct {
	source  MetricsSource
	updater Updater
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

func NewMonitor(source MetricsSource, updater Updater, cfg Config, logger *zap.Logger) *Monitor {
	return &Monitor{
		source:  source,
		updater: updater,
		cfg:     cfg,
		logger:  logger.Named("health"),
		now:     time.Now,
	}
}

// Classify раскладывает оценку по порогам: >= healthy: healthy, >= critical, warning.
func (m *Monitor) Classify(score float64) domain.Classification {
	switch {
	case score >= m.cfg.HealthyThreshold:
		return domain.Healthy
	case score >= m.cfg.CriticalThreshold:
		return domain.Warning
	default:
		return domain.Critical
	}
}

// Score считает взвешенное среднее присутствующих компонент. ok=false, если нет ни одной.
func (m *Monitor) Score(s domain.Sample) (float64, bool) {
	var sum, weights float64
	add := func(v *float64, w float64, norm func(float64) float64) {
		if v == nil || w <= 0 || math.IsNaN(*v) {
			return
		}
		sum += w * norm(*v)
		weights += w
	}
	add(s.Availability, m.cfg.Weights.Availability, clamp01)
	add(s.ErrorRate, m.cfg.Weights.ErrorRate, func(v float64) float64 { return 1 - clamp01(v) })
	add(s.LatencyMs, m.cfg.Weights.Latency, func(v float64) float64 {
		ceiling := float64(m.cfg.LatencyCeiling.Milliseconds())
		if ceiling <= 0 {
			return 1
		}
		return 1 - clamp01(v/ceiling)
	})
	if weights == 0 {
		return 0, false
	}
	return clamp01(sum / weights), true
}

// Assess читает метрики и считает результат без побочных эффектов.
// Отсутствующий или протухший замер: Stale. Таймаут источника, тоже Stale,
// но вместе с ErrEvaluationTimeout, чтобы вызывающий мог его залогировать.
func (m *Monitor) Assess(ctx context.Context, agent domain.Agent) (domain.HealthResult, error) {
	res := domain.HealthResult{AgentID: agent.ID, Classification: domain.Stale}

	sample, ok, err := m.source.Latest(ctx, agent.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("health: agent %s: %w", agent.ID, domain.ErrEvaluationTimeout)
		}
		return res, fmt.Errorf("health: read metrics %s: %w", agent.ID, err)
	}
	if !ok {
		return res, nil
	}

	observed := sample.ObservedAt
	if observed.IsZero() {
		observed = m.now()
	}
	if m.cfg.MaxSampleAge > 0 && m.now().Sub(observed) > m.cfg.MaxSampleAge {
		return res, nil
	}
	score, ok := m.Score(sample)
	if !ok {
		return res, nil
	}
	res.Score = score
	res.Classification = m.Classify(score)
	res.ObservedAt = observed
	return res, nil
}

// Record пишет оценку в реестр. Stale ничего не пишет.
func (m *Monitor) Record(ctx context.Context, res domain.HealthResult) error {
	if res.Classification == domain.Stale {
		return nil
	}
	if _, err := m.updater.UpdateHealth(ctx, res.AgentID, res.Score, res.ObservedAt); err != nil {
		return fmt.Errorf("health: record %s: %w", res.AgentID, err)
	}
	return nil
}

// Evaluate = Assess + Record.
func (m *Monitor) Evaluate(ctx context.Context, agent domain.Agent) (domain.HealthResult, error) {
	res, err := m.Assess(ctx, agent)
	if err != nil {
		m.logger.Warn("health evaluation skipped", zap.String("agent_id", agent.ID), zap.Error(err))
		return res, err
	}
	return res, m.Record(ctx, res)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
