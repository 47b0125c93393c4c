package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"go.uber.org/zap"
)

// memStore запоминает последние сохраненные версии и умеет падать по требованию.
type memStore struct {
	mu       sync.Mutex
	agents   map[string]domain.Agent
	requests map[string]domain.LifecycleRequest
	fail     error
}

func newMemStore() *memStore {
	return &memStore{agents: map[string]domain.Agent{}, requests: map[string]domain.LifecycleRequest{}}
}

func (s *memStore) SaveAgent(_ context.Context, a domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.agents[a.ID] = a
	return nil
}

func (s *memStore) LoadAgents(context.Context) ([]domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out, nil
}

func (s *memStore) SaveRequest(_ context.Context, r domain.LifecycleRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.requests[r.RequestID] = r
	return nil
}

func (s *memStore) LoadRequests(context.Context) ([]domain.LifecycleRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LifecycleRequest, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r)
	}
	return out, nil
}

func setupRegistry(t *testing.T) (*Registry, *memStore) {
	t.Helper()
	st := newMemStore()
	return New(st, zap.NewNop()), st
}

func submit(t *testing.T, r *Registry, id string, caps ...string) domain.LifecycleRequest {
	t.Helper()
	q, _, err := r.SubmitRequest(context.Background(), domain.LifecycleRequest{
		RequestID:            id,
		NeedType:             domain.NeedCapabilityGap,
		RequiredCapabilities: caps,
		Priority:             5,
	})
	require.NoError(t, err)
	return q
}

func TestSubmitRequest_Idempotent(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	first, created, err := r.SubmitRequest(ctx, domain.LifecycleRequest{RequestID: "r1", NeedType: domain.NeedCapabilityGap, RequiredCapabilities: []string{"execution"}, Priority: 8})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.RequestPending, first.Status)

	again, created, err := r.SubmitRequest(ctx, domain.LifecycleRequest{RequestID: "r1", NeedType: domain.NeedWorkloadIncrease, RequiredCapabilities: []string{"analysis"}, Priority: 1})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, again)
}

func TestSubmitRequest_Validation(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	_, _, err := r.SubmitRequest(ctx, domain.LifecycleRequest{NeedType: "vibes", RequiredCapabilities: []string{"x"}})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, _, err = r.SubmitRequest(ctx, domain.LifecycleRequest{NeedType: domain.NeedCapabilityGap})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	q, created, err := r.SubmitRequest(ctx, domain.LifecycleRequest{NeedType: domain.NeedCapabilityGap, RequiredCapabilities: []string{"x"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, q.RequestID)
}

func TestPendingRequests_PriorityThenFIFO(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(nil, zap.NewNop(), WithClock(func() time.Time { now = now.Add(time.Second); return now }))

	for _, tc := range []struct {
		id  string
		pri int
	}{{"low", 1}, {"high-old", 9}, {"high-new", 9}} {
		_, _, err := r.SubmitRequest(context.Background(), domain.LifecycleRequest{RequestID: tc.id, NeedType: domain.NeedCapabilityGap, RequiredCapabilities: []string{tc.id}, Priority: tc.pri})
		require.NoError(t, err)
	}

	var ids []string
	for _, q := range r.PendingRequests() {
		ids = append(ids, q.RequestID)
	}
	assert.Equal(t, []string{"high-old", "high-new", "low"}, ids)
}

func TestCreate_DuplicateCapabilitySpec(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()
	q1 := submit(t, r, "r1", "execution", "analysis")
	q2 := submit(t, r, "r2", "analysis", "execution")

	a1, err := r.Create(ctx, q1.Spec())
	require.NoError(t, err)

	again, err := r.Create(ctx, q1.Spec())
	require.NoError(t, err)
	assert.Equal(t, a1.ID, again.ID, "create for the same request is idempotent")

	_, err = r.Create(ctx, q2.Spec())
	assert.ErrorIs(t, err, domain.ErrDuplicateCapabilitySpec)

	// Агент первой заявки упал на провижининге: спецификация освобождается
	_, err = r.Transition(ctx, a1.ID, domain.StateRequested, domain.StateProvisioning)
	require.NoError(t, err)
	_, err = r.Transition(ctx, a1.ID, domain.StateProvisioning, domain.StateFailed)
	require.NoError(t, err)

	a2, err := r.Create(ctx, q2.Spec())
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID, a2.ID)
}

func TestTransition(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()
	a, err := r.Create(ctx, submit(t, r, "r1", "execution").Spec())
	require.NoError(t, err)

	t.Run("illegal pair", func(t *testing.T) {
		_, err := r.Transition(ctx, a.ID, domain.StateRequested, domain.StateActive)
		assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	})

	t.Run("stale from state", func(t *testing.T) {
		_, err := r.Transition(ctx, a.ID, domain.StateProvisioning, domain.StateActive)
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := r.Transition(ctx, "ghost", domain.StateRequested, domain.StateProvisioning)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("retired sets retired_at", func(t *testing.T) {
		for _, step := range [][2]domain.State{
			{domain.StateRequested, domain.StateProvisioning},
			{domain.StateProvisioning, domain.StateActive},
			{domain.StateActive, domain.StateRetiring},
			{domain.StateRetiring, domain.StateRetired},
		} {
			_, err := r.Transition(ctx, a.ID, step[0], step[1])
			require.NoError(t, err)
		}
		got, err := r.Get(a.ID)
		require.NoError(t, err)
		require.NotNil(t, got.RetiredAt)
		assert.Equal(t, domain.StateRetired, got.State)
	})
}

func TestTransition_ConcurrentOnlyOneWins(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()
	a, err := r.Create(ctx, submit(t, r, "r1", "execution").Spec())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Transition(ctx, a.ID, domain.StateRequested, domain.StateProvisioning)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, domain.ErrConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 15, conflicts)
}

func TestPersistFailure_NoCommit(t *testing.T) {
	r, st := setupRegistry(t)
	ctx := context.Background()
	a, err := r.Create(ctx, submit(t, r, "r1", "execution").Spec())
	require.NoError(t, err)

	st.fail = errors.New("db down")
	_, err = r.Transition(ctx, a.ID, domain.StateRequested, domain.StateProvisioning)
	require.Error(t, err)
	_, err = r.UpdateHealth(ctx, a.ID, 0.5, time.Now())
	require.Error(t, err)

	got, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRequested, got.State)
	assert.Zero(t, got.HealthScore)
}

func TestUpdateHealth(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()
	a, err := r.Create(ctx, submit(t, r, "r1", "execution").Spec())
	require.NoError(t, err)

	t0 := time.Now()
	got, err := r.UpdateHealth(ctx, a.ID, 0.8, t0)
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.HealthScore)

	got, err = r.UpdateHealth(ctx, a.ID, 0.1, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.HealthScore, "older sample must not overwrite")

	_, err = r.UpdateHealth(ctx, a.ID, 1.5, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestLock_SerializesAndHonoursContext(t *testing.T) {
	r, _ := setupRegistry(t)
	a, err := r.Create(context.Background(), submit(t, r, "r1", "execution").Spec())
	require.NoError(t, err)

	unlock, err := r.Lock(context.Background(), a.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Lock(ctx, a.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // повторный вызов безопасен
	unlock2, err := r.Lock(context.Background(), a.ID)
	require.NoError(t, err)
	unlock2()
}

func TestLoad_RestoresFromStore(t *testing.T) {
	r, st := setupRegistry(t)
	ctx := context.Background()
	q := submit(t, r, "r1", "execution")
	a, err := r.Create(ctx, q.Spec())
	require.NoError(t, err)

	restored := New(st, zap.NewNop())
	require.NoError(t, restored.Load(ctx))

	got, err := restored.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	rq, err := restored.GetRequest("r1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, rq.AgentID)
	assert.Equal(t, 1, restored.CountLive("execution"))
}
