package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/drift"
	"github.com/xela07ax/agent-lifecycle/internal/provisioning"
	"github.com/xela07ax/agent-lifecycle/internal/registry"
	"github.com/xela07ax/agent-lifecycle/internal/remediation"
)

func TestScenario_RequestBecomesActive(t *testing.T) {
	h := setupManager(t, nil)
	ctx := context.Background()

	q, created, err := h.m.SubmitRequest(ctx, domain.LifecycleRequest{
		NeedType:             domain.NeedCapabilityGap,
		RequiredCapabilities: []string{"execution"},
		Priority:             8,
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, domain.RequestPending, q.Status)

	rep := h.tick(t)
	assert.Equal(t, int64(1), rep.Accepted)
	assert.Equal(t, int64(1), rep.Provisioned)

	q, err = h.m.Request(q.RequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFulfilled, q.Status)

	a, err := h.m.Agent(q.AgentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, a.State)
	assert.True(t, h.prov.Live(a.ID))

	var path []domain.State
	for _, e := range h.rec.byType(domain.EventTransition) {
		path = append(path, e.ToState)
	}
	assert.Equal(t, []domain.State{domain.StateProvisioning, domain.StateActive}, path)

	// повторная подача: no-op с исходным результатом
	again, created, err := h.m.SubmitRequest(ctx, domain.LifecycleRequest{RequestID: q.RequestID, NeedType: domain.NeedCapabilityGap, RequiredCapabilities: []string{"execution"}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.RequestFulfilled, again.Status)
}

func TestRequests_Rejections(t *testing.T) {
	t.Run("capability outside catalog", func(t *testing.T) {
		h := setupManager(t, nil)
		q, _, err := h.m.SubmitRequest(context.Background(), domain.LifecycleRequest{NeedType: domain.NeedCapabilityGap, RequiredCapabilities: []string{"telepathy"}})
		require.NoError(t, err)
		rep := h.tick(t)
		assert.Equal(t, int64(1), rep.Rejected)

		q, err = h.m.Request(q.RequestID)
		require.NoError(t, err)
		assert.Equal(t, domain.RequestRejected, q.Status)
		assert.Contains(t, q.Reason, string(domain.KindCapabilityUnavailable))
	})

	t.Run("capability saturated", func(t *testing.T) {
		h := setupManager(t, func(c *Config) { c.MaxAgentsPerCapability = 1 })
		h.activeAgent(t, "analysis")

		q, _, err := h.m.SubmitRequest(context.Background(), domain.LifecycleRequest{NeedType: domain.NeedWorkloadIncrease, RequiredCapabilities: []string{"analysis"}})
		require.NoError(t, err)
		h.tick(t)
		q, err = h.m.Request(q.RequestID)
		require.NoError(t, err)
		assert.Equal(t, domain.RequestRejected, q.Status)
	})

	t.Run("identical spec in the same tick", func(t *testing.T) {
		h := setupManager(t, nil)
		// r1 уходит в Provisioning раньше, чем тик доходит до r2
		for i, id := range []string{"r1", "r2"} {
			_, _, err := h.m.SubmitRequest(context.Background(), domain.LifecycleRequest{RequestID: id, NeedType: domain.NeedCapabilityGap, RequiredCapabilities: []string{"planning"}, Priority: 2 - i})
			require.NoError(t, err)
		}
		h.tick(t)

		r1, _ := h.m.Request("r1")
		r2, _ := h.m.Request("r2")
		assert.Equal(t, domain.RequestFulfilled, r1.Status)
		assert.Equal(t, domain.RequestRejected, r2.Status)
		assert.Equal(t, string(domain.KindDuplicateCapabilitySpec), r2.Reason)
	})
}

func TestRequests_ProvisioningFailure(t *testing.T) {
	h := setupManager(t, nil)
	q, _, err := h.m.SubmitRequest(context.Background(), domain.LifecycleRequest{RequestID: "r1", NeedType: domain.NeedCapabilityGap, RequiredCapabilities: []string{"creative"}})
	require.NoError(t, err)

	// id агента заранее неизвестен: роняем все provision через обертку
	h.m.provisioner = failingProvisioner{h.prov}
	rep := h.tick(t)
	assert.Equal(t, int64(1), rep.ProvisionFailed)

	q, err = h.m.Request(q.RequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestAccepted, q.Status)
	assert.Contains(t, q.Reason, "provisioning failed")

	a, err := h.m.Agent(q.AgentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, a.State)
	assert.Contains(t, h.rec.alertTitles(), "provisioning failed")
}

type failingProvisioner struct{ *provisioning.MockProvisioner }

func (failingProvisioner) Provision(context.Context, domain.Agent) error {
	return errors.New("no capacity")
}

func TestHealth_DegradeAndRecover(t *testing.T) {
	h := setupManager(t, nil)
	a := h.activeAgent(t, "research")

	h.setHealth(t, a.ID, 0.45)
	h.tick(t)
	got, _ := h.m.Agent(a.ID)
	assert.Equal(t, domain.StateDegraded, got.State)
	assert.InDelta(t, 0.45, got.HealthScore, 1e-9)
	assert.Contains(t, h.rec.alertTitles(), "agent degraded")
	assert.Zero(t, h.queue.Len(), "warning is never destructive")

	h.setHealth(t, a.ID, 0.9)
	h.tick(t)
	got, _ = h.m.Agent(a.ID)
	assert.Equal(t, domain.StateActive, got.State)
}

func TestHealth_StaleSampleChangesNothing(t *testing.T) {
	h := setupManager(t, nil)
	a := h.activeAgent(t, "research")

	h.tick(t)
	got, _ := h.m.Agent(a.ID)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Zero(t, got.HealthScore)
	assert.True(t, got.LastEvaluatedAt.IsZero())
	assert.Empty(t, h.rec.byType(domain.EventTransition))
}

func TestScenario_CriticalHealthRetiresThroughQueue(t *testing.T) {
	h := setupManager(t, nil)
	a := h.activeAgent(t, "monitoring")
	h.setHealth(t, a.ID, 0.25)

	// Сначала без drain: проверяем, что в очередь ушел именно retire/critical
	h.m.evaluateAgents(context.Background(), "t-eval", &tickCounters{})
	items := h.queue.Snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, domain.StrategyRetire, items[0].Strategy)
	assert.Equal(t, domain.SeverityCritical, items[0].Severity)

	h.tick(t)
	got, _ := h.m.Agent(a.ID)
	assert.Equal(t, domain.StateRetired, got.State)
	require.NotNil(t, got.RetiredAt)
	assert.False(t, h.prov.Live(a.ID))

	outcomes := h.rec.byType(domain.EventRemediationResult)
	require.NotEmpty(t, outcomes)
	assert.Equal(t, "success", outcomes[len(outcomes)-1].Outcome)
	assert.Equal(t, domain.SeverityCritical, outcomes[len(outcomes)-1].Severity)
}

func TestRetire_DeprovisionFailureRetriedNextTick(t *testing.T) {
	h := setupManager(t, nil)
	a := h.activeAgent(t, "monitoring")
	h.setHealth(t, a.ID, 0.1)
	h.prov.FailNext("deprovision", a.ID, 1)

	rep := h.tick(t)
	assert.Equal(t, int64(1), rep.RemediationFailed)
	got, _ := h.m.Agent(a.ID)
	assert.Equal(t, domain.StateRetiring, got.State, "failure leaves the agent retiring, no rollback")
	assert.Contains(t, h.rec.alertTitles(), "deprovision failed")

	h.tick(t)
	got, _ = h.m.Agent(a.ID)
	assert.Equal(t, domain.StateRetired, got.State)
}

func TestRetire_Idempotent(t *testing.T) {
	h := setupManager(t, nil)
	a := h.activeAgent(t, "execution")
	ctx := context.Background()

	first, res, err := h.m.Retire(ctx, a.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, Retired, res)
	require.NotNil(t, first.RetiredAt)

	second, res, err := h.m.Retire(ctx, a.ID, "operator again")
	require.NoError(t, err)
	assert.Equal(t, AlreadyRetired, res)
	assert.Equal(t, *first.RetiredAt, *second.RetiredAt)
	assert.Equal(t, 1, countCalls(h.prov.Calls(), "deprovision:"+a.ID))

	_, _, err = h.m.Retire(ctx, "ghost", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRetire_RefusesFailedAgent(t *testing.T) {
	h := setupManager(t, nil)
	_, _, err := h.m.SubmitRequest(context.Background(), domain.LifecycleRequest{RequestID: "r1", NeedType: domain.NeedCapabilityGap, RequiredCapabilities: []string{"creative"}})
	require.NoError(t, err)
	h.m.provisioner = failingProvisioner{h.prov}
	h.tick(t)

	q, _ := h.m.Request("r1")
	_, _, err = h.m.Retire(context.Background(), q.AgentID, "")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestTieBreak(t *testing.T) {
	t.Run("equal severity: health wins", func(t *testing.T) {
		h := setupManager(t, nil)
		a := h.activeAgent(t, "analysis")
		h.setHealth(t, a.ID, 0.2)
		h.setDrift(t, a.ID, 1.0)

		h.m.evaluateAgents(context.Background(), "t", &tickCounters{})
		items := h.queue.Snapshot()
		require.Len(t, items, 1)
		assert.Equal(t, domain.StrategyRetire, items[0].Strategy)
		assert.Equal(t, domain.SourceHealth, items[0].Source)
		assert.Len(t, h.rec.byType(domain.EventDriftDetected), 1)
	})

	t.Run("drift only: high goes immediate", func(t *testing.T) {
		h := setupManager(t, nil)
		a := h.activeAgent(t, "analysis")
		h.setHealth(t, a.ID, 0.5)
		h.setDrift(t, a.ID, 0.5)

		h.m.evaluateAgents(context.Background(), "t", &tickCounters{})
		items := h.queue.Snapshot()
		require.Len(t, items, 1)
		assert.Equal(t, domain.StrategyRestart, items[0].Strategy)
		assert.Equal(t, domain.SeverityHigh, items[0].Severity)
		assert.True(t, items[0].Immediate)
	})

	t.Run("pickFinding prefers strictly higher drift", func(t *testing.T) {
		hi := &domain.RemediationItem{Severity: domain.SeverityMedium, Source: domain.SourceHealth}
		dr := &domain.RemediationItem{Severity: domain.SeverityHigh, Source: domain.SourceDrift}
		assert.Same(t, dr, pickFinding(hi, dr))
		dr.Severity = domain.SeverityMedium
		assert.Same(t, hi, pickFinding(hi, dr))
		assert.Same(t, dr, pickFinding(nil, dr))
		assert.Nil(t, pickFinding(nil, nil))
	})
}

func TestRemediation_NoConcurrentExecutionPerAgent(t *testing.T) {
	h := setupManager(t, nil)
	a := h.activeAgent(t, "execution")
	b := h.activeAgent(t, "analysis")

	var mu sync.Mutex
	inFlight := map[string]int{}
	maxSeen := map[string]int{}
	var total atomic.Int32
	handler := remediation.HandlerFunc(func(_ context.Context, agent domain.Agent, _ domain.RemediationItem) error {
		mu.Lock()
		inFlight[agent.ID]++
		maxSeen[agent.ID] = max(maxSeen[agent.ID], inFlight[agent.ID])
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)
		total.Add(1)

		mu.Lock()
		inFlight[agent.ID]--
		mu.Unlock()
		return nil
	})
	for _, s := range []domain.Strategy{domain.StrategyRestart, domain.StrategyScale, domain.StrategyCustom} {
		h.strategies.Register(s, handler)
	}

	for _, id := range []string{a.ID, b.ID} {
		for _, s := range []domain.Strategy{domain.StrategyRestart, domain.StrategyScale, domain.StrategyCustom} {
			_, err := h.queue.Enqueue(domain.RemediationItem{AgentID: id, Strategy: s, Severity: domain.SeverityHigh})
			require.NoError(t, err)
		}
	}

	rep := h.tick(t)
	assert.Equal(t, int64(6), rep.Remediated)
	assert.Equal(t, int32(6), total.Load())
	assert.Equal(t, 1, maxSeen[a.ID])
	assert.Equal(t, 1, maxSeen[b.ID])
}

func TestTick_CancellationCommitsNothing(t *testing.T) {
	h := setupManager(t, nil)
	a := h.activeAgent(t, "research")
	h.setHealth(t, a.ID, 0.1)
	h.source.blocked.Store(a.ID, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.m.Tick(ctx, "t-cancel")
		done <- err
	}()

	select {
	case <-h.source.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation never started")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not observe cancellation")
	}

	got, _ := h.m.Agent(a.ID)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Zero(t, got.HealthScore)
	assert.Zero(t, h.queue.Len())
	assert.Empty(t, h.rec.byType(domain.EventTransition))
}

func TestTick_EvaluationTimeoutIsContained(t *testing.T) {
	h := setupManager(t, func(c *Config) { c.EvaluationTimeout = 30 * time.Millisecond })
	slow := h.activeAgent(t, "research")
	fast := h.activeAgent(t, "analysis")
	h.source.blocked.Store(slow.ID, true)
	h.setHealth(t, slow.ID, 0.1)
	h.setHealth(t, fast.ID, 0.45)

	h.tick(t)

	got, _ := h.m.Agent(slow.ID)
	assert.Equal(t, domain.StateActive, got.State, "timeout is a missing sample, not a verdict")
	got, _ = h.m.Agent(fast.ID)
	assert.Equal(t, domain.StateDegraded, got.State)
	assert.Equal(t, int64(1), h.m.Status().Stats.EvaluationErrors)
}

func TestRemediateDrift_Paths(t *testing.T) {
	ctx := context.Background()

	t.Run("queued waits for the tick", func(t *testing.T) {
		h := setupManager(t, nil)
		a := h.activeAgent(t, "knowledge_management")
		h.setDrift(t, a.ID, 0.3)

		rep, res, err := h.m.RemediateDrift(ctx, a.ID, drift.ModeQueued)
		require.NoError(t, err)
		assert.Equal(t, domain.SeverityMedium, rep.Severity)
		assert.Equal(t, domain.EnqueueAccepted, res)
		assert.False(t, h.queue.Snapshot()[0].Immediate)
	})

	t.Run("immediate is drained without waiting for a tick", func(t *testing.T) {
		h := setupManager(t, nil)
		a := h.activeAgent(t, "knowledge_management")
		h.setDrift(t, a.ID, 1.0)
		require.NoError(t, h.m.Start(ctx))

		_, res, err := h.m.RemediateDrift(ctx, a.ID, drift.ModeImmediate)
		require.NoError(t, err)
		assert.Equal(t, domain.EnqueueAccepted, res)
		assert.Eventually(t, func() bool {
			return countCalls(h.prov.Calls(), "restart:"+a.ID) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("low drift needs no action", func(t *testing.T) {
		h := setupManager(t, nil)
		a := h.activeAgent(t, "knowledge_management")
		h.setDrift(t, a.ID, 0.05)
		_, res, err := h.m.RemediateDrift(ctx, a.ID, drift.ModeImmediate)
		require.NoError(t, err)
		assert.Equal(t, domain.EnqueueSkipped, res)
	})

	t.Run("no fingerprint", func(t *testing.T) {
		h := setupManager(t, nil)
		a := h.activeAgent(t, "knowledge_management")
		_, err := h.m.CheckDrift(ctx, a.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("queue full", func(t *testing.T) {
		h := setupManager(t, nil)
		a := h.activeAgent(t, "knowledge_management")
		for i := range 64 {
			_, err := h.queue.Enqueue(domain.RemediationItem{AgentID: fmt.Sprintf("ghost-%d", i), Strategy: domain.StrategyRestart, Severity: domain.SeverityCritical})
			require.NoError(t, err)
		}
		h.setDrift(t, a.ID, 0.3)
		_, _, err := h.m.RemediateDrift(ctx, a.ID, drift.ModeQueued)
		assert.ErrorIs(t, err, domain.ErrQueueFull)
		assert.Contains(t, h.rec.alertTitles(), "remediation queue full")
	})
}

func TestStartStop_Idempotent(t *testing.T) {
	h := setupManager(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, h.m.Trigger("t0"), domain.ErrConflict)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.m.Start(ctx))
		}()
	}
	wg.Wait()
	assert.True(t, h.m.Status().Running)

	require.NoError(t, h.m.Trigger("t1"))
	assert.Eventually(t, func() bool { return h.m.Status().Stats.Ticks >= 1 }, 2*time.Second, 10*time.Millisecond)

	a := h.activeAgent(t, "orchestration")
	require.NoError(t, h.m.Stop(ctx))
	require.NoError(t, h.m.Stop(ctx))
	assert.False(t, h.m.Status().Running)

	got, _ := h.m.Agent(a.ID)
	assert.Equal(t, domain.StateActive, got.State, "stopping never retires agents")

	require.NoError(t, h.m.Start(ctx))
	assert.True(t, h.m.Running())
}

func TestStatus(t *testing.T) {
	h := setupManager(t, nil)
	a := h.activeAgent(t, "communication")
	h.setHealth(t, a.ID, 0.8)
	h.tick(t)

	st := h.m.Status()
	assert.False(t, st.Running)
	require.Len(t, st.DeployedAgents, 1)
	assert.Equal(t, a.ID, st.DeployedAgents[0].ID)
	assert.Equal(t, domain.StateActive, st.DeployedAgents[0].State)
	assert.InDelta(t, 0.8, st.DeployedAgents[0].HealthScore, 1e-9)
	assert.Equal(t, 1, st.Stats.AgentsByState[domain.StateActive])
	assert.Equal(t, 1, st.Stats.RequestsByStatus[string(domain.RequestFulfilled)])
	assert.GreaterOrEqual(t, st.Stats.Ticks, int64(2))

	assert.Len(t, h.m.Agents(registry.Filter{States: []domain.State{domain.StateActive}}), 1)
}

func countCalls(calls []string, want string) int {
	n := 0
	for _, c := range calls {
		if c == want {
			n++
		}
	}
	return n
}
