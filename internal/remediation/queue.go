package remediation

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

// Queue — ограниченная очередь исправлений с дедупликацией по dedup_key.
// Enqueue и Drain взаимно атомарны: оба работают под одним мьютексом.
type Queue struct {
	mu       sync.Mutex
	items    map[string]domain.RemediationItem
	capacity int
	now      func() time.Time

	evicted int64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make(map[string]domain.RemediationItem),
		capacity: capacity,
		now:      time.Now,
	}
}

// drainBefore задает порядок выдачи: сначала прямой запуск, затем серьезность по
// убыванию, затем самые старые.
func drainBefore(a, b domain.RemediationItem) int {
	if a.Immediate != b.Immediate {
		if a.Immediate {
			return -1
		}
		return 1
	}
	return cmp.Or(
		cmp.Compare(b.Severity.Rank(), a.Severity.Rank()),
		a.EnqueuedAt.Compare(b.EnqueuedAt),
		cmp.Compare(a.DedupKey(), b.DedupKey()),
	)
}

// Enqueue ставит элемент в очередь.
//   - ключ уже есть и серьезность не выше: deduped (флаг прямого запуска при этом наследуется);
//   - ключ есть и серьезность строго выше: replaced, таймер enqueued_at сбрасывается;
//   - очередь полна: вытесняется элемент с самой низкой серьезностью (флаг прямого
//     запуска его не защищает), если входящий строго серьезнее; иначе ErrQueueFull.
func (q *Queue) Enqueue(item domain.RemediationItem) (domain.EnqueueResult, error) {
	if item.AgentID == "" || item.Severity.Rank() == 0 {
		return "", fmt.Errorf("remediation: malformed item %q/%q: %w", item.AgentID, item.Severity, domain.ErrInvalidRequest)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now().UTC()
	}
	key := item.DedupKey()

	if existing, ok := q.items[key]; ok {
		if item.Severity.Rank() > existing.Severity.Rank() {
			item.Immediate = item.Immediate || existing.Immediate
			item.EnqueuedAt = q.now().UTC()
			q.items[key] = item
			return domain.EnqueueReplaced, nil
		}
		if item.Immediate && !existing.Immediate {
			existing.Immediate = true
			q.items[key] = existing
		}
		return domain.EnqueueDeduped, nil
	}

	if len(q.items) >= q.capacity {
		victim, ok := q.victimLocked()
		if !ok || item.Severity.Rank() <= victim.Severity.Rank() {
			return "", fmt.Errorf("remediation: %d items queued: %w", len(q.items), domain.ErrQueueFull)
		}
		delete(q.items, victim.DedupKey())
		q.evicted++
	}
	q.items[key] = item
	return domain.EnqueueAccepted, nil
}

// evictBefore: a вытесняется раньше b. Сначала самая низкая серьезность, среди
// равных сначала обычные, затем самые свежие.
func evictBefore(a, b domain.RemediationItem) bool {
	if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
		return ra < rb
	}
	if a.Immediate != b.Immediate {
		return !a.Immediate
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.After(b.EnqueuedAt)
	}
	return a.DedupKey() > b.DedupKey()
}

func (q *Queue) victimLocked() (domain.RemediationItem, bool) {
	var victim domain.RemediationItem
	found := false
	for _, it := range q.items {
		if !found || evictBefore(it, victim) {
			victim, found = it, true
		}
	}
	return victim, found
}

func (q *Queue) sortedLocked() []domain.RemediationItem {
	out := make([]domain.RemediationItem, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it)
	}
	slices.SortFunc(out, drainBefore)
	return out
}

// Drain забирает элементы из очереди: все с прямым запуском плюс до maxBatch
// остальных. Прямой запуск в maxBatch не входит, так что всплеск таких элементов
// может дать за один drain больше, чем BatchSize менеджера.
func (q *Queue) Drain(maxBatch int) []domain.RemediationItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.RemediationItem, 0)
	regular := 0
	for _, it := range q.sortedLocked() {
		if !it.Immediate {
			if regular >= maxBatch {
				break
			}
			regular++
		}
		out = append(out, it)
		delete(q.items, it.DedupKey())
	}
	return out
}

// DrainImmediate забирает только элементы с прямым запуском.
func (q *Queue) DrainImmediate() []domain.RemediationItem {
	return q.Drain(0)
}

// Snapshot отдает содержимое очереди в порядке выдачи, без извлечения.
func (q *Queue) Snapshot() []domain.RemediationItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Evicted() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}
