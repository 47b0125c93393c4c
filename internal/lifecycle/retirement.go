package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/provisioning"
	"github.com/xela07ax/agent-lifecycle/internal/registry"
)

// RetireResult — исход вывода агента из эксплуатации.
type RetireResult string

const (
	Retired        RetireResult = "retired"
	AlreadyRetired RetireResult = "already_retired"
)

// RetirementController выполняет терминальный вывод агента. Повторный вызов для
// уже выведенного агента: успешный no-op с тем же retired_at.
type RetirementController struct {
	registry    *registry.Registry
	provisioner provisioning.Provisioner
	emit        *emitter
	logger      *zap.Logger

	// onRetired вызывается после успешного вывода (очистка отпечатков и т.п.)
	onRetired []func(agentID string)
}

func NewRetirementController(reg *registry.Registry, p provisioning.Provisioner, emit *emitter, logger *zap.Logger) *RetirementController {
	return &RetirementController{
		registry:    reg,
		provisioner: p,
		emit:        emit,
		logger:      logger.Named("retirement"),
	}
}

// Retire берет критическую секцию агента и выводит его.
func (c *RetirementController) Retire(ctx context.Context, agentID, reason string) (domain.Agent, RetireResult, error) {
	unlock, err := c.registry.Lock(ctx, agentID)
	if err != nil {
		return domain.Agent{}, "", fmt.Errorf("retirement: lock %s: %w", agentID, err)
	}
	defer unlock()
	return c.retireLocked(ctx, "", agentID, reason)
}

// retireLocked: Retiring -> депровижининг -> Retired. Вызывающий держит Lock агента.
// При сбое депровижининга агент остается в Retiring и будет добит следующими тиками.
func (c *RetirementController) retireLocked(ctx context.Context, tickID, agentID, reason string) (domain.Agent, RetireResult, error) {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return domain.Agent{}, "", err
	}

	switch agent.State {
	case domain.StateRetired:
		return agent, AlreadyRetired, nil
	case domain.StateFailed:
		return agent, "", fmt.Errorf("retirement: agent %s is %s: %w", agentID, agent.State, domain.ErrIllegalTransition)
	case domain.StateRequested, domain.StateProvisioning:
		return agent, "", fmt.Errorf("retirement: agent %s is still %s: %w", agentID, agent.State, domain.ErrConflict)
	case domain.StateActive, domain.StateDegraded:
		from := agent.State
		agent, err = c.registry.Transition(ctx, agentID, from, domain.StateRetiring)
		if err != nil {
			return agent, "", fmt.Errorf("retirement: mark retiring: %w", err)
		}
		c.emit.transition(ctx, tickID, agent, from, reason)
	}

	if err := c.provisioner.Deprovision(ctx, agentID); err != nil {
		c.logger.Warn("deprovision failed, agent stays retiring",
			zap.String("agent_id", agentID), zap.String("tick_id", tickID), zap.Error(err))
		c.emit.alert(ctx, domain.SeverityHigh, agentID, "deprovision failed", err.Error())
		return agent, "", fmt.Errorf("%w: agent %s: %v", domain.ErrDeprovisionFailure, agentID, err)
	}

	// Депровижининг прошел: фиксируем Retired даже если ctx уже отменен
	agent, err = c.registry.Transition(context.WithoutCancel(ctx), agentID, domain.StateRetiring, domain.StateRetired)
	if err != nil {
		return agent, "", fmt.Errorf("retirement: mark retired: %w", err)
	}
	c.emit.transition(ctx, tickID, agent, domain.StateRetiring, reason)
	c.emit.metrics.HealthScore.DeleteLabelValues(agentID)
	for _, fn := range c.onRetired {
		fn(agentID)
	}
	return agent, Retired, nil
}
