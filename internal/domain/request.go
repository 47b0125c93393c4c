package domain

import (
	"fmt"
	"time"
)

// NeedType — причина, по которой системе нужен новый агент.
type NeedType string

const (
	NeedCapabilityGap          NeedType = "capability_gap"
	NeedPerformanceBottleneck  NeedType = "performance_bottleneck"
	NeedWorkloadIncrease       NeedType = "workload_increase"
	NeedSpecializationRequired NeedType = "specialization_required"
	NeedRedundancyNeeded       NeedType = "redundancy_needed"
	NeedInnovationOpportunity  NeedType = "innovation_opportunity"
)

func ParseNeedType(s string) (NeedType, error) {
	switch n := NeedType(s); n {
	case NeedCapabilityGap, NeedPerformanceBottleneck, NeedWorkloadIncrease,
		NeedSpecializationRequired, NeedRedundancyNeeded, NeedInnovationOpportunity:
		return n, nil
	}
	return "", fmt.Errorf("%w: unknown need_type %q", ErrInvalidRequest, s)
}

// RequestStatus — статус заявки на создание агента.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestRejected  RequestStatus = "rejected"
	RequestFulfilled RequestStatus = "fulfilled"
)

// LifecycleRequest — заявка на создание агента. request_id обрабатывается не более одного раза.
type LifecycleRequest struct {
	RequestID            string        `json:"request_id"`
	NeedType             NeedType      `json:"need_type"`
	RequiredCapabilities []string      `json:"required_capabilities"`
	Priority             int           `json:"priority"`
	Justification        string        `json:"justification"`
	Status               RequestStatus `json:"status"`
	Reason               string        `json:"reason,omitempty"`
	AgentID              string        `json:"agent_id,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата заявки.
func (r *LifecycleRequest) CanTransitionTo(next RequestStatus) error {
	switch {
	case r.Status == RequestPending && (next == RequestAccepted || next == RequestRejected):
		return nil
	case r.Status == RequestAccepted && next == RequestFulfilled:
		return nil
	}
	return fmt.Errorf("%w: request %s -> %s", ErrIllegalTransition, r.Status, next)
}

// Spec возвращает спецификацию агента, которую порождает заявка.
func (r *LifecycleRequest) Spec() AgentSpec {
	return AgentSpec{RequestID: r.RequestID, NeedType: r.NeedType, Capabilities: r.RequiredCapabilities}
}

// Unfulfilled проверяет, что заявка еще не закрыта агентом (и не отклонена).
func (r *LifecycleRequest) Unfulfilled() bool {
	return r.Status == RequestPending || r.Status == RequestAccepted
}
