package remediation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func item(agent string, st domain.Strategy, sev domain.Severity, at time.Duration) domain.RemediationItem {
	return domain.RemediationItem{AgentID: agent, Strategy: st, Severity: sev, EnqueuedAt: t0.Add(at)}
}

func TestEnqueue_DedupAndReplace(t *testing.T) {
	q := NewQueue(10)
	q.now = func() time.Time { return t0.Add(time.Hour) }

	res, err := q.Enqueue(item("a", domain.StrategyRetire, domain.SeverityMedium, 0))
	require.NoError(t, err)
	assert.Equal(t, domain.EnqueueAccepted, res)

	res, err = q.Enqueue(item("a", domain.StrategyRetire, domain.SeverityCritical, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.EnqueueReplaced, res)

	res, err = q.Enqueue(item("a", domain.StrategyRetire, domain.SeverityHigh, 2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.EnqueueDeduped, res)

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.SeverityCritical, snap[0].Severity)
	assert.Equal(t, t0.Add(time.Hour), snap[0].EnqueuedAt, "replacement restarts the clock")

	// другая стратегия: другой ключ
	res, err = q.Enqueue(item("a", domain.StrategyRestart, domain.SeverityLow, 0))
	require.NoError(t, err)
	assert.Equal(t, domain.EnqueueAccepted, res)
	assert.Equal(t, 2, q.Len())
}

func TestEnqueue_DedupUpgradesImmediateFlag(t *testing.T) {
	q := NewQueue(10)
	_, err := q.Enqueue(item("a", domain.StrategyRestart, domain.SeverityHigh, 0))
	require.NoError(t, err)

	fast := item("a", domain.StrategyRestart, domain.SeverityMedium, time.Second)
	fast.Immediate = true
	res, err := q.Enqueue(fast)
	require.NoError(t, err)
	assert.Equal(t, domain.EnqueueDeduped, res)

	got := q.Snapshot()[0]
	assert.True(t, got.Immediate)
	assert.Equal(t, domain.SeverityHigh, got.Severity)
}

func TestDrain_Order(t *testing.T) {
	q := NewQueue(10)
	for _, it := range []domain.RemediationItem{
		item("low-old", domain.StrategyRestart, domain.SeverityLow, 0),
		item("crit-new", domain.StrategyRetire, domain.SeverityCritical, 3*time.Second),
		item("crit-old", domain.StrategyRetire, domain.SeverityCritical, time.Second),
		item("high", domain.StrategyRestart, domain.SeverityHigh, 0),
	} {
		_, err := q.Enqueue(it)
		require.NoError(t, err)
	}
	imm := item("medium-imm", domain.StrategyRestart, domain.SeverityMedium, 5*time.Second)
	imm.Immediate = true
	_, err := q.Enqueue(imm)
	require.NoError(t, err)

	got := q.Drain(2)
	var ids []string
	for _, it := range got {
		ids = append(ids, it.AgentID)
	}
	assert.Equal(t, []string{"medium-imm", "crit-old", "crit-new"}, ids, "immediate items do not count against maxBatch")
	assert.Equal(t, 2, q.Len())

	rest := q.Drain(10)
	require.Len(t, rest, 2)
	assert.Equal(t, "high", rest[0].AgentID)
	assert.Equal(t, "low-old", rest[1].AgentID)
	assert.Zero(t, q.Len())
}

func TestEnqueue_Backpressure(t *testing.T) {
	t.Run("full of high rejects medium", func(t *testing.T) {
		q := NewQueue(3)
		for _, a := range []string{"a", "b", "c"} {
			_, err := q.Enqueue(item(a, domain.StrategyRetire, domain.SeverityHigh, 0))
			require.NoError(t, err)
		}
		_, err := q.Enqueue(item("d", domain.StrategyRetire, domain.SeverityMedium, 0))
		assert.ErrorIs(t, err, domain.ErrQueueFull)

		_, err = q.Enqueue(item("d", domain.StrategyRetire, domain.SeverityHigh, 0))
		assert.ErrorIs(t, err, domain.ErrQueueFull, "equal severity is not enough to evict")
		assert.Equal(t, 3, q.Len())
	})

	t.Run("higher severity evicts the newest lowest item", func(t *testing.T) {
		q := NewQueue(3)
		_, _ = q.Enqueue(item("old-low", domain.StrategyRestart, domain.SeverityLow, 0))
		_, _ = q.Enqueue(item("new-low", domain.StrategyRestart, domain.SeverityLow, time.Minute))
		_, _ = q.Enqueue(item("high", domain.StrategyRestart, domain.SeverityHigh, 0))

		res, err := q.Enqueue(item("crit", domain.StrategyRetire, domain.SeverityCritical, 0))
		require.NoError(t, err)
		assert.Equal(t, domain.EnqueueAccepted, res)
		assert.Equal(t, int64(1), q.Evicted())

		var ids []string
		for _, it := range q.Snapshot() {
			ids = append(ids, it.AgentID)
		}
		assert.Equal(t, []string{"crit", "high", "old-low"}, ids)
	})
}

func TestEnqueue_EvictionIgnoresImmediateFlag(t *testing.T) {
	newQueue := func(t *testing.T) *Queue {
		t.Helper()
		q := NewQueue(2)
		imm := item("a", domain.StrategyRestart, domain.SeverityMedium, 0)
		imm.Immediate = true
		_, err := q.Enqueue(imm)
		require.NoError(t, err)
		_, err = q.Enqueue(item("b", domain.StrategyRetire, domain.SeverityHigh, 0))
		require.NoError(t, err)
		return q
	}
	keys := func(q *Queue) []string {
		var out []string
		for _, it := range q.Snapshot() {
			out = append(out, it.DedupKey())
		}
		return out
	}

	t.Run("high evicts immediate medium", func(t *testing.T) {
		q := newQueue(t)
		res, err := q.Enqueue(item("c", domain.StrategyRetire, domain.SeverityHigh, time.Second))
		require.NoError(t, err)
		assert.Equal(t, domain.EnqueueAccepted, res)
		assert.Equal(t, []string{"b:retire", "c:retire"}, keys(q))
	})

	t.Run("critical keeps the high item", func(t *testing.T) {
		q := newQueue(t)
		_, err := q.Enqueue(item("c", domain.StrategyRetire, domain.SeverityCritical, time.Second))
		require.NoError(t, err)
		assert.Equal(t, []string{"c:retire", "b:retire"}, keys(q))
	})

	t.Run("medium cannot evict medium", func(t *testing.T) {
		q := newQueue(t)
		_, err := q.Enqueue(item("c", domain.StrategyRestart, domain.SeverityMedium, time.Second))
		assert.ErrorIs(t, err, domain.ErrQueueFull)
		assert.Equal(t, 2, q.Len())
	})

	t.Run("equal severity evicts the regular item first", func(t *testing.T) {
		q := NewQueue(2)
		imm := item("imm", domain.StrategyRestart, domain.SeverityLow, 0)
		imm.Immediate = true
		_, _ = q.Enqueue(imm)
		_, _ = q.Enqueue(item("reg", domain.StrategyRestart, domain.SeverityLow, -time.Minute))
		_, err := q.Enqueue(item("new", domain.StrategyRestart, domain.SeverityMedium, 0))
		require.NoError(t, err)
		assert.Equal(t, []string{"imm:restart", "new:restart"}, keys(q))
	})
}

func TestDrain_ImmediateBurstExceedsBatch(t *testing.T) {
	q := NewQueue(10)
	for i, a := range []string{"i1", "i2", "i3"} {
		it := item(a, domain.StrategyRestart, domain.SeverityMedium, time.Duration(i)*time.Second)
		it.Immediate = true
		_, err := q.Enqueue(it)
		require.NoError(t, err)
	}
	for _, a := range []string{"r1", "r2"} {
		_, err := q.Enqueue(item(a, domain.StrategyRetire, domain.SeverityHigh, 0))
		require.NoError(t, err)
	}

	got := q.Drain(1)
	assert.Len(t, got, 4, "three immediate items plus one regular")
	assert.Equal(t, 1, q.Len())
}

func TestEnqueue_Malformed(t *testing.T) {
	q := NewQueue(1)
	_, err := q.Enqueue(domain.RemediationItem{AgentID: "a", Strategy: domain.StrategyRetire})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestQueue_ConcurrentEnqueueDrainLosesNothing(t *testing.T) {
	q := NewQueue(1000)
	var wg sync.WaitGroup
	var mu sync.Mutex
	drained := map[string]int{}

	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				_, err := q.Enqueue(item(string(rune('a'+w))+string(rune('0'+i%10))+string(rune('0'+i/10)), domain.StrategyRestart, domain.SeverityMedium, 0))
				assert.NoError(t, err)
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			for _, it := range q.Drain(7) {
				mu.Lock()
				drained[it.DedupKey()]++
				mu.Unlock()
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			n := len(drained)
			mu.Unlock()
			if n == 400 {
				return
			}
		}
	}()
	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not see every item")
	}
	for k, n := range drained {
		assert.Equal(t, 1, n, k)
	}
}
