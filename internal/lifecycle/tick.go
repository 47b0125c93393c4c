package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/drift"
	"github.com/xela07ax/agent-lifecycle/internal/registry"
)

// TickReport — сводка одного тика.
type TickReport struct {
	TickID            string        `json:"tick_id"`
	Accepted          int64         `json:"accepted"`
	Rejected          int64         `json:"rejected"`
	Provisioned       int64         `json:"provisioned"`
	ProvisionFailed   int64         `json:"provision_failed"`
	Evaluated         int64         `json:"evaluated"`
	Enqueued          int64         `json:"enqueued"`
	Remediated        int64         `json:"remediated"`
	RemediationFailed int64         `json:"remediation_failed"`
	Duration          time.Duration `json:"duration"`
}

type tickCounters struct {
	accepted, rejected, provisioned, provisionFailed atomic.Int64
	evaluated, enqueued, remediated, remediationFail atomic.Int64
}

func (c *tickCounters) report(tickID string, d time.Duration) TickReport {
	return TickReport{
		TickID:            tickID,
		Accepted:          c.accepted.Load(),
		Rejected:          c.rejected.Load(),
		Provisioned:       c.provisioned.Load(),
		ProvisionFailed:   c.provisionFailed.Load(),
		Evaluated:         c.evaluated.Load(),
		Enqueued:          c.enqueued.Load(),
		Remediated:        c.remediated.Load(),
		RemediationFailed: c.remediationFail.Load(),
		Duration:          d,
	}
}

// Tick выполняет один проход контура: заявки, оценка агентов, drain очереди.
// Отмена ctx останавливает тик; каждая пер-агентная операция либо коммитится
// целиком, либо не коммитится вовсе.
func (m *Manager) Tick(ctx context.Context, tickID string) (TickReport, error) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	if tickID == "" {
		tickID = uuid.NewString()
	}
	start := time.Now()
	c := &tickCounters{}

	m.processRequests(ctx, tickID, c)
	if ctx.Err() == nil {
		m.evaluateAgents(ctx, tickID, c)
	}
	if ctx.Err() == nil {
		m.executeBatch(ctx, tickID, m.queue.Drain(m.cfg.BatchSize), c)
	}

	elapsed := time.Since(start)
	outcome := "completed"
	if ctx.Err() != nil {
		outcome = "cancelled"
	}
	m.metrics.TickDuration.Observe(elapsed.Seconds())
	m.metrics.Ticks.WithLabelValues(outcome).Inc()
	m.metrics.QueueDepth.Set(float64(m.queue.Len()))
	m.ticksTotal.Add(1)
	m.lastTickAt.Store(time.Now().UnixNano())
	m.lastTickNanos.Store(int64(elapsed))

	rep := c.report(tickID, elapsed)
	m.logger.Debug("tick finished", zap.String("tick_id", tickID), zap.String("outcome", outcome), zap.Any("report", rep))
	if err := ctx.Err(); err != nil {
		return rep, fmt.Errorf("lifecycle: tick %s: %w", tickID, err)
	}
	return rep, nil
}

// DrainOnly выполняет только элементы с прямым запуском, вне расписания тиков.
func (m *Manager) DrainOnly(ctx context.Context) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	items := m.queue.DrainImmediate()
	if len(items) == 0 {
		return
	}
	m.executeBatch(ctx, "drain-"+uuid.NewString(), items, &tickCounters{})
	m.metrics.QueueDepth.Set(float64(m.queue.Len()))
}

// --- фаза 1: заявки ---

func (m *Manager) processRequests(ctx context.Context, tickID string, c *tickCounters) {
	var toProvision []string

	// Добиваем заявки, принятые прошлыми тиками, но не доведенные до конца
	for _, q := range m.registry.AcceptedRequests() {
		if q.AgentID == "" {
			continue
		}
		a, err := m.registry.Get(q.AgentID)
		if err != nil {
			continue
		}
		switch a.State {
		case domain.StateRequested:
			if _, ok := m.transition(ctx, tickID, a, domain.StateProvisioning, "provisioning resumed"); ok {
				toProvision = append(toProvision, a.ID)
			}
		case domain.StateProvisioning:
			toProvision = append(toProvision, a.ID)
		case domain.StateActive, domain.StateDegraded:
			m.resolveRequest(ctx, tickID, q.RequestID, domain.RequestFulfilled, "")
		}
	}

	for _, q := range m.registry.PendingRequests() {
		if ctx.Err() != nil {
			return
		}
		if reason, ok := m.admissible(q); !ok {
			m.resolveRequest(ctx, tickID, q.RequestID, domain.RequestRejected, reason)
			c.rejected.Add(1)
			continue
		}

		agent, err := m.registry.Create(ctx, q.Spec())
		if errors.Is(err, domain.ErrDuplicateCapabilitySpec) {
			m.resolveRequest(ctx, tickID, q.RequestID, domain.RequestRejected, string(domain.KindDuplicateCapabilitySpec))
			c.rejected.Add(1)
			continue
		}
		if err != nil {
			m.logger.Error("create agent failed", zap.String("request_id", q.RequestID), zap.String("tick_id", tickID), zap.Error(err))
			continue
		}
		if !m.resolveRequest(ctx, tickID, q.RequestID, domain.RequestAccepted, "") {
			continue
		}
		c.accepted.Add(1)
		if _, ok := m.transition(ctx, tickID, agent, domain.StateProvisioning, "request "+q.RequestID+" accepted"); ok {
			toProvision = append(toProvision, agent.ID)
		}
	}

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, id := range toProvision {
		g.Go(func() error {
			m.provisionAgent(ctx, tickID, id, c)
			return nil
		})
	}
	_ = g.Wait()
}

// admissible проверяет, что все способности есть в каталоге и не исчерпан лимит
// живых агентов на способность.
func (m *Manager) admissible(q domain.LifecycleRequest) (string, bool) {
	for _, capability := range q.RequiredCapabilities {
		if !m.catalog[capability] {
			return fmt.Sprintf("%s: unknown capability %q", domain.KindCapabilityUnavailable, capability), false
		}
		if n := m.registry.CountLive(capability); n >= m.cfg.MaxAgentsPerCapability {
			return fmt.Sprintf("%s: %d agents already provide %q", domain.KindCapabilityUnavailable, n, capability), false
		}
	}
	return "", true
}

func (m *Manager) resolveRequest(ctx context.Context, tickID, id string, status domain.RequestStatus, reason string) bool {
	q, err := m.registry.ResolveRequest(ctx, id, status, reason)
	if err != nil {
		m.logger.Error("request update failed",
			zap.String("request_id", id), zap.String("tick_id", tickID), zap.String("status", string(status)), zap.Error(err))
		return false
	}
	m.emit.request(ctx, tickID, q)
	return true
}

func (m *Manager) provisionAgent(ctx context.Context, tickID, agentID string, c *tickCounters) {
	unlock, err := m.registry.Lock(ctx, agentID)
	if err != nil {
		return
	}
	defer unlock()

	agent, err := m.registry.Get(agentID)
	if err != nil || agent.State != domain.StateProvisioning {
		return
	}

	perr := m.provisioner.Provision(ctx, agent)
	if ctx.Err() != nil {
		// Агент остается в Provisioning, следующий тик повторит (Provision идемпотентен)
		return
	}

	cctx := context.WithoutCancel(ctx)
	if perr != nil {
		c.provisionFailed.Add(1)
		m.logger.Warn("provisioning failed",
			zap.String("agent_id", agentID), zap.String("tick_id", tickID), zap.Error(perr))
		if _, ok := m.transition(cctx, tickID, agent, domain.StateFailed, perr.Error()); ok {
			m.resolveRequest(cctx, tickID, agent.RequestID, domain.RequestAccepted, "provisioning failed: "+perr.Error())
			m.emit.alert(cctx, domain.SeverityMedium, agentID, "provisioning failed", perr.Error())
		}
		return
	}
	if _, ok := m.transition(cctx, tickID, agent, domain.StateActive, "provisioned"); ok {
		c.provisioned.Add(1)
		m.resolveRequest(cctx, tickID, agent.RequestID, domain.RequestFulfilled, "")
	}
}

// --- фаза 2: оценка ---

func (m *Manager) evaluateAgents(ctx context.Context, tickID string, c *tickCounters) {
	agents := m.registry.List(registry.Filter{States: []domain.State{
		domain.StateActive, domain.StateDegraded, domain.StateRetiring,
	}})

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, a := range agents {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			m.evaluateAgent(ctx, tickID, a.ID, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) evaluateAgent(ctx context.Context, tickID, agentID string, c *tickCounters) {
	unlock, err := m.registry.Lock(ctx, agentID)
	if err != nil {
		return
	}
	defer unlock()

	// Перечитываем под секцией: за время ожидания агент мог смениться
	agent, err := m.registry.Get(agentID)
	if err != nil {
		return
	}
	log := m.logger.With(zap.String("agent_id", agentID), zap.String("tick_id", tickID))

	switch agent.State {
	case domain.StateRetiring:
		m.enqueue(ctx, tickID, domain.RemediationItem{
			AgentID:  agentID,
			Strategy: domain.StrategyRetire,
			Severity: domain.SeverityCritical,
			Source:   domain.SourceHealth,
			Reason:   "retirement pending",
		}, c)
		return
	case domain.StateActive, domain.StateDegraded:
	default:
		return
	}

	ectx, cancel := context.WithTimeout(ctx, m.cfg.EvaluationTimeout)
	res, herr := m.health.Assess(ectx, agent)
	var report *domain.DriftReport
	// Оценка уже упала по таймауту: одна ошибка на агента, дрейф не считаем
	if m.drift != nil && ectx.Err() == nil {
		r, derr := m.drift.Check(ectx, agent)
		switch {
		case derr == nil:
			report = &r
		case !errors.Is(derr, domain.ErrNotFound):
			m.evaluationError(log, derr)
		}
	}
	cancel()

	if ctx.Err() != nil {
		return
	}
	if herr != nil {
		m.evaluationError(log, herr)
	}
	c.evaluated.Add(1)

	// Коммит: дальше отмена тика уже не прерывает работу по агенту
	cctx := context.WithoutCancel(ctx)
	if err := m.health.Record(cctx, res); err != nil {
		log.Error("health write failed", zap.Error(err))
		return
	}
	if res.Classification != domain.Stale {
		m.metrics.HealthScore.WithLabelValues(agentID).Set(res.Score)
	}

	var healthItem *domain.RemediationItem
	switch res.Classification {
	case domain.Healthy:
		if agent.State == domain.StateDegraded {
			m.transition(cctx, tickID, agent, domain.StateActive, "health recovered")
		}
	case domain.Warning:
		if agent.State == domain.StateActive {
			if _, ok := m.transition(cctx, tickID, agent, domain.StateDegraded, fmt.Sprintf("health %.2f", res.Score)); ok {
				m.emit.alert(cctx, domain.SeverityMedium, agentID, "agent degraded", fmt.Sprintf("health score %.2f", res.Score))
			}
		}
	case domain.Critical:
		if agent.State == domain.StateActive {
			if _, ok := m.transition(cctx, tickID, agent, domain.StateDegraded, fmt.Sprintf("health %.2f", res.Score)); ok {
				m.emit.alert(cctx, domain.SeverityHigh, agentID, "agent critical", fmt.Sprintf("health score %.2f", res.Score))
			}
		}
		healthItem = &domain.RemediationItem{
			AgentID:  agentID,
			Strategy: domain.StrategyRetire,
			Severity: domain.SeverityCritical,
			Source:   domain.SourceHealth,
			Reason:   fmt.Sprintf("critical health %.2f", res.Score),
		}
	}

	var driftItem *domain.RemediationItem
	if report != nil && report.Severity.Rank() >= domain.SeverityMedium.Rank() {
		m.emit.drift(cctx, tickID, *report)
		if it, ok := m.drift.Item(*report, drift.ModeAuto); ok {
			driftItem = &it
		}
	}

	if winner := pickFinding(healthItem, driftItem); winner != nil {
		m.enqueue(cctx, tickID, *winner, c)
	}
}

// pickFinding делает тай-брейк находок по одному агенту за тик: выше серьезность
// побеждает, при равенстве побеждает здоровье.
func pickFinding(healthItem, driftItem *domain.RemediationItem) *domain.RemediationItem {
	switch {
	case healthItem == nil:
		return driftItem
	case driftItem == nil:
		return healthItem
	case driftItem.Severity.Rank() > healthItem.Severity.Rank():
		return driftItem
	default:
		return healthItem
	}
}

func (m *Manager) evaluationError(log *zap.Logger, err error) {
	kind := domain.KindOf(err)
	m.evalErrors.Add(1)
	m.metrics.EvaluationErrors.WithLabelValues(string(kind)).Inc()
	log.Warn("agent evaluation error", zap.String("kind", string(kind)), zap.Error(err))
}

// transition делает переход от текущего (прочитанного) состояния. Conflict не
// повторяется: агент будет перечитан и переоценен на следующем тике.
func (m *Manager) transition(ctx context.Context, tickID string, agent domain.Agent, to domain.State, reason string) (domain.Agent, bool) {
	next, err := m.registry.Transition(ctx, agent.ID, agent.State, to)
	if err != nil {
		m.logger.Warn("transition rejected",
			zap.String("agent_id", agent.ID),
			zap.String("tick_id", tickID),
			zap.String("from", string(agent.State)),
			zap.String("to", string(to)),
			zap.String("kind", string(domain.KindOf(err))),
			zap.Error(err),
		)
		return agent, false
	}
	m.emit.transition(ctx, tickID, next, agent.State, reason)
	return next, true
}

func (m *Manager) enqueue(ctx context.Context, tickID string, item domain.RemediationItem, c *tickCounters) (domain.EnqueueResult, error) {
	res, err := m.queue.Enqueue(item)
	if err != nil {
		m.metrics.EnqueueResults.WithLabelValues(string(domain.KindOf(err))).Inc()
		m.logger.Warn("remediation enqueue failed",
			zap.String("agent_id", item.AgentID), zap.String("tick_id", tickID), zap.Error(err))
		if errors.Is(err, domain.ErrQueueFull) {
			m.emit.alert(ctx, domain.SeverityHigh, item.AgentID, "remediation queue full",
				fmt.Sprintf("%s/%s dropped", item.Strategy, item.Severity))
		}
		return "", err
	}
	m.metrics.EnqueueResults.WithLabelValues(string(res)).Inc()
	if c != nil && res != domain.EnqueueDeduped {
		c.enqueued.Add(1)
	}
	return res, nil
}

// --- фаза 3: исполнение ---

func (m *Manager) executeBatch(ctx context.Context, tickID string, items []domain.RemediationItem, c *tickCounters) {
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, it := range items {
		g.Go(func() error {
			m.executeItem(ctx, tickID, it, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) executeItem(ctx context.Context, tickID string, item domain.RemediationItem, c *tickCounters) {
	log := m.logger.With(
		zap.String("agent_id", item.AgentID),
		zap.String("tick_id", tickID),
		zap.String("strategy", string(item.Strategy)),
	)

	unlock, err := m.registry.Lock(ctx, item.AgentID)
	if errors.Is(err, domain.ErrNotFound) {
		m.emit.outcome(ctx, tickID, item, "skipped", "unknown agent")
		return
	}
	if err != nil {
		m.requeue(log, item)
		return
	}
	defer unlock()

	if ctx.Err() != nil {
		m.requeue(log, item)
		return
	}

	agent, err := m.registry.Get(item.AgentID)
	if err != nil {
		return
	}

	var execErr error
	outcome := "success"
	if item.Strategy == domain.StrategyRetire {
		var res RetireResult
		_, res, execErr = m.retirement.retireLocked(ctx, tickID, item.AgentID, retireReason(item))
		if res == AlreadyRetired {
			outcome = string(AlreadyRetired)
		}
	} else if agent.State.IsTerminal() || agent.State == domain.StateRetiring {
		m.emit.outcome(ctx, tickID, item, "skipped", "agent is "+string(agent.State))
		return
	} else {
		execErr = m.strategies.Dispatch(ctx, agent, item)
	}

	m.outcomes.Record(item.Strategy, execErr == nil)
	if execErr != nil {
		c.remediationFail.Add(1)
		log.Warn("remediation failed", zap.String("kind", string(domain.KindOf(execErr))), zap.Error(execErr))
		m.emit.outcome(ctx, tickID, item, "failed", execErr.Error())
		return
	}
	c.remediated.Add(1)
	log.Info("remediation executed", zap.String("outcome", outcome))
	m.emit.outcome(ctx, tickID, item, outcome, item.Reason)
}

// requeue возвращает не исполненный из-за отмены элемент в очередь.
func (m *Manager) requeue(log *zap.Logger, item domain.RemediationItem) {
	if _, err := m.queue.Enqueue(item); err != nil {
		log.Warn("requeue after cancellation failed", zap.Error(err))
	}
}

func retireReason(item domain.RemediationItem) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{item.Source, string(item.Severity), item.Reason} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ": ")
}
