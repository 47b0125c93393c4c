package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/drift"
	"github.com/xela07ax/agent-lifecycle/internal/registry"
)

// SubmitRequest принимает заявку; решение по ней примет ближайший тик.
func (m *Manager) SubmitRequest(ctx context.Context, req domain.LifecycleRequest) (domain.LifecycleRequest, bool, error) {
	return m.registry.SubmitRequest(ctx, req)
}

func (m *Manager) Request(id string) (domain.LifecycleRequest, error) {
	return m.registry.GetRequest(id)
}

func (m *Manager) Agent(id string) (domain.Agent, error) {
	return m.registry.Get(id)
}

func (m *Manager) Agents(f registry.Filter) []domain.Agent {
	return m.registry.List(f)
}

// Retire выводит агента по команде оператора, минуя очередь.
func (m *Manager) Retire(ctx context.Context, agentID, reason string) (domain.Agent, RetireResult, error) {
	if reason == "" {
		reason = "operator request"
	}
	return m.retirement.Retire(ctx, agentID, reason)
}

// CheckDrift считает дрейф агента по запросу и публикует drift:detected от medium и выше.
func (m *Manager) CheckDrift(ctx context.Context, agentID string) (domain.DriftReport, error) {
	if m.drift == nil {
		return domain.DriftReport{}, fmt.Errorf("lifecycle: drift detection disabled: %w", domain.ErrNotFound)
	}
	agent, err := m.registry.Get(agentID)
	if err != nil {
		return domain.DriftReport{}, err
	}
	tctx, cancel := context.WithTimeout(ctx, m.cfg.EvaluationTimeout)
	defer cancel()
	report, err := m.drift.Check(tctx, agent)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.DriftReport{}, fmt.Errorf("lifecycle: drift check %s: %w", agentID, domain.ErrEvaluationTimeout)
		}
		return domain.DriftReport{}, err
	}
	if report.Severity.Rank() >= domain.SeverityMedium.Rank() {
		m.emit.drift(ctx, "", report)
	}
	return report, nil
}

// RemediateDrift проверяет дрейф и ставит исправление немедленным или обычным путем.
func (m *Manager) RemediateDrift(ctx context.Context, agentID string, mode drift.Mode) (domain.DriftReport, domain.EnqueueResult, error) {
	report, err := m.CheckDrift(ctx, agentID)
	if err != nil {
		return report, "", err
	}
	agent, err := m.registry.Get(agentID)
	if err != nil {
		return report, "", err
	}
	if agent.State != domain.StateActive && agent.State != domain.StateDegraded {
		return report, "", fmt.Errorf("lifecycle: agent %s is %s: %w", agentID, agent.State, domain.ErrConflict)
	}

	res, err := m.drift.Remediate(report, mode)
	if err != nil {
		m.metrics.EnqueueResults.WithLabelValues(string(domain.KindOf(err))).Inc()
		if errors.Is(err, domain.ErrQueueFull) {
			m.emit.alert(ctx, domain.SeverityHigh, agentID, "remediation queue full", "drift remediation rejected")
		}
		return report, "", err
	}
	if res != domain.EnqueueSkipped {
		m.metrics.EnqueueResults.WithLabelValues(string(res)).Inc()
		m.metrics.QueueDepth.Set(float64(m.queue.Len()))
	}
	return report, res, nil
}

// Queue отдает содержимое очереди исправлений в порядке выдачи.
func (m *Manager) Queue() []domain.RemediationItem {
	return m.queue.Snapshot()
}
