package registry

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"go.uber.org/zap"
)

// Store — порт персистентности. Запись в Store всегда идет до коммита в память:
// если сохранить не удалось, состояние в памяти не меняется.
type Store interface {
	SaveAgent(ctx context.Context, a domain.Agent) error
	LoadAgents(ctx context.Context) ([]domain.Agent, error)
	SaveRequest(ctx context.Context, r domain.LifecycleRequest) error
	LoadRequests(ctx context.Context) ([]domain.LifecycleRequest, error)
}

// entry — запись агента со своим мьютексом полей и семафором критической секции.
type entry struct {
	mu    sync.Mutex
	agent domain.Agent
	sem   chan struct{}
}

// Registry — авторитетное представление агентов и заявок.
// Операции над разными агентами друг друга не блокируют: общий mu держится
// только на время поиска в map, дальше работа идет под мьютексом записи.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry

	reqMu    sync.Mutex
	requests map[string]*domain.LifecycleRequest

	store  Store
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Registry)

// WithClock подменяет часы (для тестов).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(store Store, logger *zap.Logger, opts ...Option) *Registry {
	if store == nil {
		store = NopStore{}
	}
	r := &Registry{
		agents:   make(map[string]*entry),
		requests: make(map[string]*domain.LifecycleRequest),
		store:    store,
		logger:   logger.Named("registry"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Load поднимает состояние из Store при старте процесса.
func (r *Registry) Load(ctx context.Context) error {
	agents, err := r.store.LoadAgents(ctx)
	if err != nil {
		return fmt.Errorf("registry: load agents: %w", err)
	}
	reqs, err := r.store.LoadRequests(ctx)
	if err != nil {
		return fmt.Errorf("registry: load requests: %w", err)
	}

	r.mu.Lock()
	for _, a := range agents {
		r.agents[a.ID] = newEntry(a)
	}
	r.mu.Unlock()

	r.reqMu.Lock()
	for _, q := range reqs {
		r.requests[q.RequestID] = &q
	}
	r.reqMu.Unlock()

	r.logger.Info("registry restored", zap.Int("agents", len(agents)), zap.Int("requests", len(reqs)))
	return nil
}

func newEntry(a domain.Agent) *entry {
	return &entry{agent: a, sem: make(chan struct{}, 1)}
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: agent %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

// Lock входит в эксклюзивную критическую секцию агента. Ее держат на время
// многошаговых операций (оценка с коммитом, исправление, вывод из эксплуатации).
// Атомарные методы реестра Lock не берут, поэтому вызывать их под ним безопасно.
func (r *Registry) Lock(ctx context.Context, id string) (func(), error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-e.sem }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get возвращает копию агента.
func (r *Registry) Get(id string) (domain.Agent, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Agent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agent.Clone(), nil
}

// Filter — пустые поля не фильтруют.
type Filter struct {
	States     []domain.State
	Capability string
}

func (f Filter) match(a domain.Agent) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, a.State) {
		return false
	}
	if f.Capability != "" && !a.HasCapability(f.Capability) {
		return false
	}
	return true
}

// List отдает агентов по фильтру, упорядоченных по времени создания.
func (r *Registry) List(f Filter) []domain.Agent {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		a := e.agent.Clone()
		e.mu.Unlock()
		if f.match(a) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b domain.Agent) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// CountLive считает живых агентов, которые уже несут способность.
func (r *Registry) CountLive(capability string) int {
	n := 0
	for _, a := range r.List(Filter{Capability: capability}) {
		if a.State.IsLive() {
			n++
		}
	}
	return n
}

// Create заводит агента в состоянии Requested. Повторный вызов для той же заявки
// возвращает уже созданного агента. Если другая незакрытая заявка с той же
// спецификацией уже держит живого агента, возвращается ErrDuplicateCapabilitySpec.
func (r *Registry) Create(ctx context.Context, spec domain.AgentSpec) (domain.Agent, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	if q, ok := r.requests[spec.RequestID]; ok && q.AgentID != "" {
		return r.Get(q.AgentID)
	}
	key := spec.Key()
	for _, q := range r.requests {
		if q.RequestID == spec.RequestID || !q.Unfulfilled() || q.Spec().Key() != key {
			continue
		}
		if q.AgentID == "" {
			// Заявка еще ждет своего тика: первым обработается тот, кто раньше
			continue
		}
		if a, err := r.Get(q.AgentID); err == nil && !a.State.IsTerminal() {
			return domain.Agent{}, fmt.Errorf("registry: request %s already covers %s: %w",
				q.RequestID, key, domain.ErrDuplicateCapabilitySpec)
		}
	}

	now := r.now().UTC()
	a := domain.Agent{
		ID:           uuid.NewString(),
		RequestID:    spec.RequestID,
		Capabilities: domain.NormalizeCapabilities(spec.Capabilities),
		State:        domain.StateRequested,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.SaveAgent(ctx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("registry: save agent: %w", err)
	}

	if q, ok := r.requests[spec.RequestID]; ok {
		next := *q
		next.AgentID = a.ID
		next.UpdatedAt = now
		if err := r.store.SaveRequest(ctx, next); err != nil {
			return domain.Agent{}, fmt.Errorf("registry: link request: %w", err)
		}
		*q = next
	}

	r.mu.Lock()
	r.agents[a.ID] = newEntry(a)
	r.mu.Unlock()
	return a.Clone(), nil
}

// UpdateHealth единственный путь записи health_score. Замер старше уже
// учтенного игнорируется.
func (r *Registry) UpdateHealth(ctx context.Context, id string, score float64, observedAt time.Time) (domain.Agent, error) {
	if score < 0 || score > 1 {
		return domain.Agent{}, fmt.Errorf("registry: health score %.3f out of range: %w", score, domain.ErrInvalidRequest)
	}
	e, err := r.lookup(id)
	if err != nil {
		return domain.Agent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.agent.LastEvaluatedAt.IsZero() && observedAt.Before(e.agent.LastEvaluatedAt) {
		return e.agent.Clone(), nil
	}
	next := e.agent.Clone()
	next.HealthScore = score
	next.LastEvaluatedAt = observedAt.UTC()
	next.UpdatedAt = r.now().UTC()
	if err := r.store.SaveAgent(ctx, next); err != nil {
		return domain.Agent{}, fmt.Errorf("registry: save health %s: %w", id, err)
	}
	e.agent = next
	return next.Clone(), nil
}

// Transition делает оптимистичный переход: ErrConflict, если текущее состояние не from.
func (r *Registry) Transition(ctx context.Context, id string, from, to domain.State) (domain.Agent, error) {
	if err := domain.CanTransition(from, to); err != nil {
		return domain.Agent{}, fmt.Errorf("registry: agent %s: %w", id, err)
	}
	e, err := r.lookup(id)
	if err != nil {
		return domain.Agent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.agent.State != from {
		return e.agent.Clone(), fmt.Errorf("registry: agent %s is %s, expected %s: %w",
			id, e.agent.State, from, domain.ErrConflict)
	}
	now := r.now().UTC()
	next := e.agent.Clone()
	next.State = to
	next.UpdatedAt = now
	if to == domain.StateRetired {
		next.RetiredAt = &now
	}
	if err := r.store.SaveAgent(ctx, next); err != nil {
		return domain.Agent{}, fmt.Errorf("registry: save transition %s: %w", id, err)
	}
	e.agent = next
	return next.Clone(), nil
}

// StateCounts считает агентов по состояниям.
func (r *Registry) StateCounts() map[domain.State]int {
	out := make(map[domain.State]int)
	for _, a := range r.List(Filter{}) {
		out[a.State]++
	}
	return out
}
