package registry

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

// SubmitRequest регистрирует заявку. Повторная подача с тем же request_id ничего
// не меняет и возвращает исходную запись; created=false в этом случае.
func (r *Registry) SubmitRequest(ctx context.Context, req domain.LifecycleRequest) (domain.LifecycleRequest, bool, error) {
	if _, err := domain.ParseNeedType(string(req.NeedType)); err != nil {
		return domain.LifecycleRequest{}, false, err
	}
	caps := domain.NormalizeCapabilities(req.RequiredCapabilities)
	if len(caps) == 0 {
		return domain.LifecycleRequest{}, false, fmt.Errorf("registry: required_capabilities is empty: %w", domain.ErrInvalidRequest)
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	if existing, ok := r.requests[req.RequestID]; ok {
		return *existing, false, nil
	}

	now := r.now().UTC()
	req.RequiredCapabilities = caps
	req.Status = domain.RequestPending
	req.Reason = ""
	req.AgentID = ""
	req.CreatedAt = now
	req.UpdatedAt = now
	if err := r.store.SaveRequest(ctx, req); err != nil {
		return domain.LifecycleRequest{}, false, fmt.Errorf("registry: save request: %w", err)
	}
	r.requests[req.RequestID] = &req
	return req, true, nil
}

func (r *Registry) GetRequest(id string) (domain.LifecycleRequest, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()
	q, ok := r.requests[id]
	if !ok {
		return domain.LifecycleRequest{}, fmt.Errorf("registry: request %s: %w", id, domain.ErrNotFound)
	}
	return *q, nil
}

// PendingRequests возвращает заявки в порядке обработки: приоритет по убыванию, затем FIFO.
func (r *Registry) PendingRequests() []domain.LifecycleRequest {
	return r.requestsWhere(func(q *domain.LifecycleRequest) bool { return q.Status == domain.RequestPending })
}

// AcceptedRequests возвращает принятые, но не закрытые агентом заявки.
func (r *Registry) AcceptedRequests() []domain.LifecycleRequest {
	return r.requestsWhere(func(q *domain.LifecycleRequest) bool { return q.Status == domain.RequestAccepted })
}

func (r *Registry) requestsWhere(pred func(*domain.LifecycleRequest) bool) []domain.LifecycleRequest {
	r.reqMu.Lock()
	out := make([]domain.LifecycleRequest, 0)
	for _, q := range r.requests {
		if pred(q) {
			out = append(out, *q)
		}
	}
	r.reqMu.Unlock()

	slices.SortFunc(out, func(a, b domain.LifecycleRequest) int {
		return cmp.Or(
			cmp.Compare(b.Priority, a.Priority),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.RequestID, b.RequestID),
		)
	})
	return out
}

// RequestCounts считает заявки по статусам.
func (r *Registry) RequestCounts() map[string]int {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()
	out := make(map[string]int)
	for _, q := range r.requests {
		out[string(q.Status)]++
	}
	return out
}

// ResolveRequest переводит заявку в новый статус. Тот же статус допустим и
// только обновляет reason (например, ошибка провижининга у принятой заявки).
func (r *Registry) ResolveRequest(ctx context.Context, id string, status domain.RequestStatus, reason string) (domain.LifecycleRequest, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	q, ok := r.requests[id]
	if !ok {
		return domain.LifecycleRequest{}, fmt.Errorf("registry: request %s: %w", id, domain.ErrNotFound)
	}
	if q.Status != status {
		if err := q.CanTransitionTo(status); err != nil {
			return *q, fmt.Errorf("registry: request %s: %w", id, err)
		}
	}
	next := *q
	next.Status = status
	next.Reason = reason
	next.UpdatedAt = r.now().UTC()
	if err := r.store.SaveRequest(ctx, next); err != nil {
		return domain.LifecycleRequest{}, fmt.Errorf("registry: save request %s: %w", id, err)
	}
	*q = next
	return next, nil
}
