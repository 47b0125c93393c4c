package lifecycle

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/drift"
	"github.com/xela07ax/agent-lifecycle/internal/events"
	"github.com/xela07ax/agent-lifecycle/internal/health"
	"github.com/xela07ax/agent-lifecycle/internal/infra"
	"github.com/xela07ax/agent-lifecycle/internal/provisioning"
	"github.com/xela07ax/agent-lifecycle/internal/registry"
	"github.com/xela07ax/agent-lifecycle/internal/remediation"
)

// gatedSource отдает замеры из MemoryStore, а для «заблокированных» агентов
// висит до отмены контекста.
type gatedSource struct {
	*health.MemoryStore
	blocked sync.Map
	entered chan string
}

func (g *gatedSource) Latest(ctx context.Context, agentID string) (domain.Sample, bool, error) {
	if _, ok := g.blocked.Load(agentID); ok {
		select {
		case g.entered <- agentID:
		default:
		}
		<-ctx.Done()
		return domain.Sample{}, false, ctx.Err()
	}
	return g.MemoryStore.Latest(ctx, agentID)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
	alerts []events.Alert
}

func (r *recorder) Publish(_ context.Context, e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Alert(_ context.Context, a events.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recorder) byType(kind string) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Event == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) alertTitles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.alerts {
		out = append(out, a.Title)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events, r.alerts = nil, nil
}

type harness struct {
	m          *Manager
	reg        *registry.Registry
	source     *gatedSource
	prints     *drift.FingerprintStore
	queue      *remediation.Queue
	prov       *provisioning.MockProvisioner
	strategies *remediation.Strategies
	rec        *recorder
}

func setupManager(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	logger := zap.NewNop()
	cfg := Config{
		BatchSize:              20,
		Concurrency:            8,
		EvaluationTimeout:      time.Second,
		MaxAgentsPerCapability: 5,
		Capabilities:           infra.DefaultCapabilities,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	reg := registry.New(nil, logger)
	src := &gatedSource{MemoryStore: health.NewMemoryStore(), entered: make(chan string, 1)}
	mon := health.NewMonitor(src, reg, health.DefaultConfig(), logger)
	queue := remediation.NewQueue(64)
	prints := drift.NewFingerprintStore()
	det := drift.NewDetector(prints, queue, drift.DefaultThresholds(), domain.StrategyRestart, logger)
	prov := provisioning.NewMockProvisioner()
	strategies := remediation.NewStrategies()
	rec := &recorder{}

	m := NewManager(Deps{
		Registry:    reg,
		Health:      mon,
		Drift:       det,
		Queue:       queue,
		Strategies:  strategies,
		Provisioner: prov,
		Publisher:   rec,
		Alerter:     rec,
	}, cfg, logger)
	m.OnRetired(prints.Forget)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	return &harness{m: m, reg: reg, source: src, prints: prints, queue: queue, prov: prov, strategies: strategies, rec: rec}
}

func (h *harness) tick(t *testing.T) TickReport {
	t.Helper()
	rep, err := h.m.Tick(context.Background(), "")
	require.NoError(t, err)
	return rep
}

// activeAgent проводит заявку через тик и возвращает Active агента.
func (h *harness) activeAgent(t *testing.T, capability string) domain.Agent {
	t.Helper()
	q, _, err := h.m.SubmitRequest(context.Background(), domain.LifecycleRequest{
		NeedType:             domain.NeedCapabilityGap,
		RequiredCapabilities: []string{capability},
		Priority:             5,
	})
	require.NoError(t, err)
	h.tick(t)

	q, err = h.m.Request(q.RequestID)
	require.NoError(t, err)
	require.Equal(t, domain.RequestFulfilled, q.Status, q.Reason)
	a, err := h.reg.Get(q.AgentID)
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, a.State)
	h.rec.reset()
	return a
}

func (h *harness) setHealth(t *testing.T, agentID string, availability float64) {
	t.Helper()
	require.NoError(t, h.source.Record(context.Background(), domain.Sample{
		AgentID:      agentID,
		Availability: &availability,
		ObservedAt:   time.Now(),
	}))
}

// setDrift задает отпечатки так, чтобы 1 - cos = score.
func (h *harness) setDrift(t *testing.T, agentID string, score float64) {
	t.Helper()
	require.NoError(t, h.prints.Observe(agentID, []float64{1, 0}))
	cos := 1 - score
	require.NoError(t, h.prints.Observe(agentID, []float64{cos, math.Sqrt(1 - cos*cos)}))
}
