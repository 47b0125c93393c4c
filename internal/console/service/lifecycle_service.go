package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/drift"
	"github.com/xela07ax/agent-lifecycle/internal/health"
	"github.com/xela07ax/agent-lifecycle/internal/lifecycle"
	"github.com/xela07ax/agent-lifecycle/internal/registry"
)

// LifecycleService — фасад консоли над контуром: операции менеджера плюс
// ингест метрик и отпечатков, которые менеджер читает на тиках.
type LifecycleService struct {
	manager *lifecycle.Manager
	samples health.SampleStore
	prints  *drift.FingerprintStore
	history HistorySource
	logger  *zap.Logger
	now     func() time.Time
}

func NewLifecycleService(m *lifecycle.Manager, samples health.SampleStore, prints *drift.FingerprintStore, logger *zap.Logger) *LifecycleService {
	return &LifecycleService{
		manager: m,
		samples: samples,
		prints:  prints,
		logger:  logger.Named("lifecycle-service"),
		now:     time.Now,
	}
}

// HistorySource — журнал событий агента (аудит в Postgres).
type HistorySource interface {
	AgentHistory(ctx context.Context, agentID string, limit int) ([]domain.Event, error)
}

// WithHistory подключает журнал. Без него история недоступна.
func (s *LifecycleService) WithHistory(h HistorySource) *LifecycleService {
	s.history = h
	return s
}

func (s *LifecycleService) SubmitRequest(ctx context.Context, req domain.LifecycleRequest) (domain.LifecycleRequest, bool, error) {
	q, created, err := s.manager.SubmitRequest(ctx, req)
	if err == nil && created {
		s.logger.Info("lifecycle request submitted",
			zap.String("request_id", q.RequestID),
			zap.String("need_type", string(q.NeedType)),
			zap.Strings("capabilities", q.RequiredCapabilities),
		)
	}
	return q, created, err
}

func (s *LifecycleService) Request(id string) (domain.LifecycleRequest, error) {
	return s.manager.Request(id)
}

func (s *LifecycleService) Agent(id string) (domain.Agent, error) {
	return s.manager.Agent(id)
}

func (s *LifecycleService) Agents(states []domain.State, capability string) []domain.Agent {
	return s.manager.Agents(registry.Filter{States: states, Capability: capability})
}

// Start не привязан к запросу: менеджер живет дольше HTTP-вызова.
func (s *LifecycleService) Start(ctx context.Context) error {
	return s.manager.Start(context.WithoutCancel(ctx))
}

func (s *LifecycleService) Stop(ctx context.Context) error {
	return s.manager.Stop(ctx)
}

func (s *LifecycleService) Trigger(tickID string) error {
	return s.manager.Trigger(tickID)
}

func (s *LifecycleService) Status() domain.Status {
	return s.manager.Status()
}

func (s *LifecycleService) Queue() []domain.RemediationItem {
	return s.manager.Queue()
}

func (s *LifecycleService) Retire(ctx context.Context, agentID, reason string) (domain.Agent, lifecycle.RetireResult, error) {
	a, res, err := s.manager.Retire(ctx, agentID, reason)
	if err == nil {
		s.logger.Info("operator retirement",
			zap.String("agent_id", agentID), zap.String("result", string(res)), zap.String("reason", reason))
	}
	return a, res, err
}

// History возвращает последние события агента. Агент должен быть известен реестру.
func (s *LifecycleService) History(ctx context.Context, agentID string, limit int) ([]domain.Event, error) {
	if _, err := s.manager.Agent(agentID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, fmt.Errorf("event history requires a database: %w", domain.ErrCapabilityUnavailable)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.history.AgentHistory(ctx, agentID, limit)
}

func (s *LifecycleService) CheckDrift(ctx context.Context, agentID string) (domain.DriftReport, error) {
	return s.manager.CheckDrift(ctx, agentID)
}

func (s *LifecycleService) RemediateDrift(ctx context.Context, agentID string, mode drift.Mode) (domain.DriftReport, domain.EnqueueResult, error) {
	return s.manager.RemediateDrift(ctx, agentID, mode)
}

// RecordSample принимает замер только для живого развернутого агента.
func (s *LifecycleService) RecordSample(ctx context.Context, sample domain.Sample) error {
	if err := s.requireDeployed(sample.AgentID); err != nil {
		return err
	}
	for name, v := range map[string]*float64{
		"availability": sample.Availability,
		"error_rate":   sample.ErrorRate,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s %.3f outside [0,1]: %w", name, *v, domain.ErrInvalidRequest)
		}
	}
	if sample.LatencyMs != nil && *sample.LatencyMs < 0 {
		return fmt.Errorf("negative latency: %w", domain.ErrInvalidRequest)
	}
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = s.now().UTC()
	}
	return s.samples.Record(ctx, sample)
}

func (s *LifecycleService) ObserveFingerprint(agentID string, vector []float64) error {
	if err := s.requireDeployed(agentID); err != nil {
		return err
	}
	return s.prints.Observe(agentID, vector)
}

// Rebaseline делает текущий отпечаток эталоном после валидации оператором.
func (s *LifecycleService) Rebaseline(agentID string) (int, error) {
	if err := s.requireDeployed(agentID); err != nil {
		return 0, err
	}
	v, err := s.prints.Rebaseline(agentID)
	if err == nil {
		s.logger.Info("baseline promoted", zap.String("agent_id", agentID), zap.Int("version", v))
	}
	return v, err
}

func (s *LifecycleService) requireDeployed(agentID string) error {
	a, err := s.manager.Agent(agentID)
	if err != nil {
		return err
	}
	if a.State != domain.StateActive && a.State != domain.StateDegraded {
		return fmt.Errorf("agent %s is %s: %w", agentID, a.State, domain.ErrConflict)
	}
	return nil
}
