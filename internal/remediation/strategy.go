package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

// Handler исполняет одну стратегию исправления. Вызывается под критической
// секцией агента.
type Handler interface {
	Execute(ctx context.Context, agent domain.Agent, item domain.RemediationItem) error
}

type HandlerFunc func(ctx context.Context, agent domain.Agent, item domain.RemediationItem) error

func (f HandlerFunc) Execute(ctx context.Context, agent domain.Agent, item domain.RemediationItem) error {
	return f(ctx, agent, item)
}

// ErrNoHandler — для стратегии не зарегистрирован обработчик.
var ErrNoHandler = errors.New("remediation: no handler for strategy")

// Strategies — реестр обработчиков по тегу стратегии.
type Strategies struct {
	mu       sync.RWMutex
	handlers map[domain.Strategy]Handler
}

func NewStrategies() *Strategies {
	return &Strategies{handlers: make(map[domain.Strategy]Handler)}
}

func (s *Strategies) Register(strategy domain.Strategy, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strategy] = h
}

func (s *Strategies) Lookup(strategy domain.Strategy) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[strategy]
	return h, ok
}

// Dispatch находит обработчик и исполняет его.
func (s *Strategies) Dispatch(ctx context.Context, agent domain.Agent, item domain.RemediationItem) error {
	h, ok := s.Lookup(item.Strategy)
	if !ok {
		return fmt.Errorf("%w %q", ErrNoHandler, item.Strategy)
	}
	return h.Execute(ctx, agent, item)
}

// Restarter и Scaler: операции провижинера, нужные обработчикам.
type Restarter interface {
	Restart(ctx context.Context, agentID string) error
}

type Scaler interface {
	Scale(ctx context.Context, agentID string, delta int) error
}

// RestartHandler перезапускает агента. Агент должен быть живым.
func RestartHandler(r Restarter) Handler {
	return HandlerFunc(func(ctx context.Context, agent domain.Agent, _ domain.RemediationItem) error {
		if agent.State != domain.StateActive && agent.State != domain.StateDegraded {
			return fmt.Errorf("remediation: restart %s in state %s: %w", agent.ID, agent.State, domain.ErrConflict)
		}
		return r.Restart(ctx, agent.ID)
	})
}

// ScaleHandler добавляет реплику агенту.
func ScaleHandler(s Scaler) Handler {
	return HandlerFunc(func(ctx context.Context, agent domain.Agent, _ domain.RemediationItem) error {
		if agent.State != domain.StateActive && agent.State != domain.StateDegraded {
			return fmt.Errorf("remediation: scale %s in state %s: %w", agent.ID, agent.State, domain.ErrConflict)
		}
		return s.Scale(ctx, agent.ID, 1)
	})
}
