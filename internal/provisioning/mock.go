package provisioning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

// MockProvisioner — провижинер в памяти процесса: для локального режима и тестов.
type MockProvisioner struct {
	mu       sync.Mutex
	Latency  time.Duration
	live     map[string]int // agent_id -> реплики
	failures map[string]int // "op:agent_id" -> сколько раз еще упасть
	calls    []string
}

func NewMockProvisioner() *MockProvisioner {
	return &MockProvisioner{live: make(map[string]int), failures: make(map[string]int)}
}

// FailNext заставляет следующие n вызовов op для агента вернуть ошибку.
func (m *MockProvisioner) FailNext(op, agentID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op+":"+agentID] = n
}

func (m *MockProvisioner) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockProvisioner) Live(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[agentID] > 0
}

func (m *MockProvisioner) step(ctx context.Context, op, agentID string) error {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op+":"+agentID)
	key := op + ":" + agentID
	if m.failures[key] > 0 {
		m.failures[key]--
		return fmt.Errorf("mock provisioner: %s %s failed", op, agentID)
	}
	return nil
}

func (m *MockProvisioner) Provision(ctx context.Context, agent domain.Agent) error {
	if err := m.step(ctx, "provision", agent.ID); err != nil {
		return err
	}
	m.mu.Lock()
	m.live[agent.ID] = max(m.live[agent.ID], 1)
	m.mu.Unlock()
	return nil
}

func (m *MockProvisioner) Deprovision(ctx context.Context, agentID string) error {
	if err := m.step(ctx, "deprovision", agentID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.live, agentID)
	m.mu.Unlock()
	return nil
}

func (m *MockProvisioner) Restart(ctx context.Context, agentID string) error {
	return m.step(ctx, "restart", agentID)
}

func (m *MockProvisioner) Scale(ctx context.Context, agentID string, delta int) error {
	if err := m.step(ctx, "scale", agentID); err != nil {
		return err
	}
	m.mu.Lock()
	m.live[agentID] = max(m.live[agentID]+delta, 0)
	m.mu.Unlock()
	return nil
}
