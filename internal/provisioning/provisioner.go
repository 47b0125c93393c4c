package provisioning

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

// Provisioner — внешний коллаборатор, который поднимает и гасит агентов.
// Deprovision обязан быть идемпотентным: повтор для уже погашенного агента: успех.
type Provisioner interface {
	Provision(ctx context.Context, agent domain.Agent) error
	Deprovision(ctx context.Context, agentID string) error
	Restart(ctx context.Context, agentID string) error
	Scale(ctx context.Context, agentID string, delta int) error
}

// ThrottleError — провижинер попросил подождать.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }
