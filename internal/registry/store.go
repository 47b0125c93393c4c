package registry

import (
	"context"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

// NopStore — режим без персистентности: память остается единственной копией.
type NopStore struct{}

func (NopStore) SaveAgent(context.Context, domain.Agent) error { return nil }

func (NopStore) LoadAgents(context.Context) ([]domain.Agent, error) { return nil, nil }

func (NopStore) SaveRequest(context.Context, domain.LifecycleRequest) error { return nil }

func (NopStore) LoadRequests(context.Context) ([]domain.LifecycleRequest, error) { return nil, nil }
