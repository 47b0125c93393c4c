package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/drift"
	"github.com/xela07ax/agent-lifecycle/internal/events"
	"github.com/xela07ax/agent-lifecycle/internal/health"
	"github.com/xela07ax/agent-lifecycle/internal/metrics"
	"github.com/xela07ax/agent-lifecycle/internal/provisioning"
	"github.com/xela07ax/agent-lifecycle/internal/registry"
	"github.com/xela07ax/agent-lifecycle/internal/remediation"
)

type Config struct {
	BatchSize              int
	Concurrency            int
	EvaluationTimeout      time.Duration
	MaxAgentsPerCapability int
	Capabilities           []string
}

// Deps — коллабораторы менеджера. Publisher, Alerter и Metrics необязательны.
type Deps struct {
	Registry    *registry.Registry
	Health      *health.Monitor
	Drift       *drift.Detector
	Queue       *remediation.Queue
	Strategies  *remediation.Strategies
	Provisioner provisioning.Provisioner
	Scheduler   Scheduler
	Publisher   events.Publisher
	Alerter     events.Alerter
	Metrics     *metrics.Metrics
}

// Manager — контур управления жизненным циклом. Единственный компонент,
// который меняет state агентов.
type Manager struct {
	registry    *registry.Registry
	health      *health.Monitor
	drift       *drift.Detector
	queue       *remediation.Queue
	strategies  *remediation.Strategies
	outcomes    *remediation.Outcomes
	provisioner provisioning.Provisioner
	scheduler   Scheduler
	retirement  *RetirementController
	emit        *emitter
	metrics     *metrics.Metrics
	cfg         Config
	catalog     map[string]bool
	logger      *zap.Logger

	running atomic.Bool
	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}

	// тики идут строго по одному
	tickMu sync.Mutex
	ticks  chan string
	nudges chan struct{}

	ticksTotal    atomic.Int64
	evalErrors    atomic.Int64
	lastTickAt    atomic.Int64
	lastTickNanos atomic.Int64
}

func NewManager(deps Deps, cfg Config, logger *zap.Logger) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = 5 * time.Second
	}
	if cfg.MaxAgentsPerCapability <= 0 {
		cfg.MaxAgentsPerCapability = 5
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if deps.Alerter == nil {
		deps.Alerter = events.NopAlerter{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(nil)
	}
	if deps.Scheduler == nil {
		deps.Scheduler = ExternalScheduler{}
	}
	if deps.Strategies == nil {
		deps.Strategies = remediation.NewStrategies()
	}
	logger = logger.Named("lifecycle")

	catalog := make(map[string]bool, len(cfg.Capabilities))
	for _, c := range domain.NormalizeCapabilities(cfg.Capabilities) {
		catalog[c] = true
	}

	em := &emitter{
		publisher: deps.Publisher,
		alerter:   deps.Alerter,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       time.Now,
	}

	m := &Manager{
		registry:    deps.Registry,
		health:      deps.Health,
		drift:       deps.Drift,
		queue:       deps.Queue,
		strategies:  deps.Strategies,
		outcomes:    remediation.NewOutcomes(),
		provisioner: deps.Provisioner,
		scheduler:   deps.Scheduler,
		retirement:  NewRetirementController(deps.Registry, deps.Provisioner, em, logger),
		emit:        em,
		metrics:     deps.Metrics,
		cfg:         cfg,
		catalog:     catalog,
		logger:      logger,
		ticks:       make(chan string, 1),
		nudges:      make(chan struct{}, 1),
	}

	// restart/scale: через провижинер, если вызывающий не зарегистрировал свои
	if _, ok := m.strategies.Lookup(domain.StrategyRestart); !ok {
		m.strategies.Register(domain.StrategyRestart, remediation.RestartHandler(deps.Provisioner))
	}
	if _, ok := m.strategies.Lookup(domain.StrategyScale); !ok {
		m.strategies.Register(domain.StrategyScale, remediation.ScaleHandler(deps.Provisioner))
	}
	if m.drift != nil {
		m.drift.OnImmediate(m.Nudge)
	}
	return m
}

// OnRetired регистрирует хук после успешного вывода агента.
func (m *Manager) OnRetired(fn func(agentID string)) {
	m.retirement.onRetired = append(m.retirement.onRetired, fn)
}

// Start запускает планировщик. Повторный Start: no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.scheduler.Run(runCtx, m.fire)
	}()
	go func() {
		defer wg.Done()
		m.loop(runCtx)
	}()
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(m.done)

	m.logger.Info("lifecycle manager started")
	return nil
}

// Stop останавливает планировщик и ждет текущий тик (он видит отмену и
// бросает незакоммиченную работу). Агенты при остановке не выводятся.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}
	m.cancel()
	select {
	case <-m.done:
		m.logger.Info("lifecycle manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lifecycle: stop: %w", ctx.Err())
	}
}

func (m *Manager) Running() bool {
	return m.running.Load()
}

// fire кладет тик в очередь на исполнение. Пока идет предыдущий, новые сливаются в один.
func (m *Manager) fire(tickID string) {
	select {
	case m.ticks <- tickID:
	default:
		m.metrics.Ticks.WithLabelValues("coalesced").Inc()
	}
}

// Trigger ставит внешний тик (вебхук планировщика). Работает только у запущенного менеджера.
func (m *Manager) Trigger(tickID string) error {
	if !m.running.Load() {
		return fmt.Errorf("lifecycle: manager is stopped: %w", domain.ErrConflict)
	}
	m.fire(tickID)
	return nil
}

// Nudge будит внеочередной drain очереди (прямой запуск исправлений).
func (m *Manager) Nudge() {
	select {
	case m.nudges <- struct{}{}:
	default:
	}
}

func (m *Manager) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tickID := <-m.ticks:
			if _, err := m.Tick(ctx, tickID); err != nil {
				m.logger.Warn("tick aborted", zap.String("tick_id", tickID), zap.Error(err))
			}
		case <-m.nudges:
			m.DrainOnly(ctx)
		}
	}
}

// Status собирает состояние менеджера одним чтением.
func (m *Manager) Status() domain.Status {
	agents := m.registry.List(registry.Filter{States: []domain.State{
		domain.StateProvisioning, domain.StateActive, domain.StateDegraded, domain.StateRetiring,
	}})
	deployed := make([]domain.AgentSummary, 0, len(agents))
	for _, a := range agents {
		deployed = append(deployed, domain.AgentSummary{ID: a.ID, State: a.State, HealthScore: a.HealthScore})
	}

	st := domain.Stats{
		Ticks:               m.ticksTotal.Load(),
		LastTickDurationMs:  time.Duration(m.lastTickNanos.Load()).Milliseconds(),
		AgentsByState:       m.registry.StateCounts(),
		QueueDepth:          m.queue.Len(),
		QueueEvicted:        m.queue.Evicted(),
		RequestsByStatus:    m.registry.RequestCounts(),
		RemediationOutcomes: m.outcomes.Snapshot(),
		EvaluationErrors:    m.evalErrors.Load(),
	}
	if ts := m.lastTickAt.Load(); ts > 0 {
		st.LastTickAt = time.Unix(0, ts).UTC()
	}
	return domain.Status{Running: m.running.Load(), DeployedAgents: deployed, Stats: st}
}

// Capabilities возвращает каталог в порядке сортировки.
func (m *Manager) Capabilities() []string {
	out := make([]string, 0, len(m.catalog))
	for c := range m.catalog {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func driftReason(r domain.DriftReport) string {
	return fmt.Sprintf("drift score %.3f vs baseline v%d", r.DriftScore, r.BaselineVersion)
}
