package provisioning

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

// Методы сервиса провижининга. Полезная нагрузка: google.protobuf.Struct в обе стороны.
const (
	MethodProvision   = "/lifecycle.v1.Provisioner/Provision"
	MethodDeprovision = "/lifecycle.v1.Provisioner/Deprovision"
	MethodRestart     = "/lifecycle.v1.Provisioner/Restart"
	MethodScale       = "/lifecycle.v1.Provisioner/Scale"
)

// Invoker — то, что нужно адаптеру от *grpc.ClientConn.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

type GRPCAdapter struct {
	conn    Invoker
	timeout time.Duration
}

// Dial открывает соединение с провижинером (без TLS: сервис живет во внутренней сети).
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("provisioning: dial %s: %w", addr, err)
	}
	return conn, nil
}

func NewGRPCAdapter(conn Invoker, timeout time.Duration) *GRPCAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCAdapter{conn: conn, timeout: timeout}
}

func (a *GRPCAdapter) Provision(ctx context.Context, agent domain.Agent) error {
	caps := make([]any, 0, len(agent.Capabilities))
	for _, c := range agent.Capabilities {
		caps = append(caps, c)
	}
	_, err := a.call(ctx, MethodProvision, map[string]any{
		"agent_id":     agent.ID,
		"request_id":   agent.RequestID,
		"capabilities": caps,
	})
	return err
}

// Deprovision считает NotFound успехом: агента уже нет.
func (a *GRPCAdapter) Deprovision(ctx context.Context, agentID string) error {
	_, err := a.call(ctx, MethodDeprovision, map[string]any{"agent_id": agentID})
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

func (a *GRPCAdapter) Restart(ctx context.Context, agentID string) error {
	_, err := a.call(ctx, MethodRestart, map[string]any{"agent_id": agentID})
	return err
}

func (a *GRPCAdapter) Scale(ctx context.Context, agentID string, delta int) error {
	_, err := a.call(ctx, MethodScale, map[string]any{"agent_id": agentID, "delta": float64(delta)})
	return err
}

func (a *GRPCAdapter) call(ctx context.Context, method string, payload map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}

	// Адаптер держит свой предел, даже если обертка выставила таймаут
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, method, req, resp); err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return nil, &ThrottleError{RetryAfter: time.Second, Cause: err}
		}
		return nil, fmt.Errorf("provisioner %s failed: %w", method, err)
	}

	fields := resp.GetFields()
	if code := fields["status_code"].GetNumberValue(); code != 0 {
		msg := fields["error_message"].GetStringValue()
		if ra := fields["retry_after_ms"].GetNumberValue(); ra > 0 {
			return nil, &ThrottleError{RetryAfter: time.Duration(ra) * time.Millisecond, Cause: fmt.Errorf("%s", msg)}
		}
		return nil, fmt.Errorf("provisioner %s returned error [%d]: %s", method, int(code), msg)
	}
	return resp, nil
}
