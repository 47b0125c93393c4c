package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/events"
	"github.com/xela07ax/agent-lifecycle/internal/metrics"
)

// emitter — общая точка публикации событий и алертов для менеджера и контроллера вывода.
// Ошибки транспорта логируются и не влияют на исход операции.
type emitter struct {
	publisher events.Publisher
	alerter   events.Alerter
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func (e *emitter) publish(ctx context.Context, ev domain.Event) {
	ev.ID = uuid.NewString()
	if ev.TS.IsZero() {
		ev.TS = e.now().UTC()
	}
	// Событие уходит даже при отменяемом тике: коммит уже состоялся
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("event publish failed",
			zap.String("event", ev.Event), zap.String("agent_id", ev.AgentID), zap.Error(err))
	}
}

func (e *emitter) transition(ctx context.Context, tickID string, a domain.Agent, from domain.State, reason string) {
	e.metrics.Transitions.WithLabelValues(string(from), string(a.State)).Inc()
	e.logger.Info("agent transition",
		zap.String("agent_id", a.ID),
		zap.String("tick_id", tickID),
		zap.String("from", string(from)),
		zap.String("to", string(a.State)),
		zap.String("reason", reason),
	)
	e.publish(ctx, domain.Event{
		Event:     domain.EventTransition,
		AgentID:   a.ID,
		RequestID: a.RequestID,
		FromState: from,
		ToState:   a.State,
		Reason:    reason,
		TickID:    tickID,
	})
}

func (e *emitter) request(ctx context.Context, tickID string, q domain.LifecycleRequest) {
	e.publish(ctx, domain.Event{
		Event:     domain.EventRequest,
		RequestID: q.RequestID,
		AgentID:   q.AgentID,
		Outcome:   string(q.Status),
		Reason:    q.Reason,
		TickID:    tickID,
	})
}

func (e *emitter) outcome(ctx context.Context, tickID string, item domain.RemediationItem, outcome string, reason string) {
	e.metrics.RemediationOutcomes.WithLabelValues(string(item.Strategy), outcome).Inc()
	e.publish(ctx, domain.Event{
		Event:    domain.EventRemediationResult,
		AgentID:  item.AgentID,
		Severity: item.Severity,
		Strategy: item.Strategy,
		Outcome:  outcome,
		Reason:   reason,
		TickID:   tickID,
	})
}

func (e *emitter) drift(ctx context.Context, tickID string, r domain.DriftReport) {
	e.publish(ctx, domain.Event{
		Event:    domain.EventDriftDetected,
		AgentID:  r.AgentID,
		Severity: r.Severity,
		Reason:   driftReason(r),
		TickID:   tickID,
		TS:       r.CheckedAt,
	})
}

func (e *emitter) alert(ctx context.Context, sev domain.Severity, agentID, title, msg string) {
	e.alerter.Alert(context.WithoutCancel(ctx), events.Alert{
		Severity: sev,
		Title:    title,
		Message:  msg,
		AgentID:  agentID,
		TS:       e.now().UTC(),
	})
}
