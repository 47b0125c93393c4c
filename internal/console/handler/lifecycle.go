package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/drift"
	"github.com/xela07ax/agent-lifecycle/internal/infra/auth"
	"github.com/xela07ax/agent-lifecycle/internal/lifecycle"
)

// LifecycleService — то, что консоли нужно от контура.
type LifecycleService interface {
	SubmitRequest(ctx context.Context, req domain.LifecycleRequest) (domain.LifecycleRequest, bool, error)
	Request(id string) (domain.LifecycleRequest, error)
	Agent(id string) (domain.Agent, error)
	Agents(states []domain.State, capability string) []domain.Agent
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Trigger(tickID string) error
	Status() domain.Status
	Queue() []domain.RemediationItem
	Retire(ctx context.Context, agentID, reason string) (domain.Agent, lifecycle.RetireResult, error)
	CheckDrift(ctx context.Context, agentID string) (domain.DriftReport, error)
	RemediateDrift(ctx context.Context, agentID string, mode drift.Mode) (domain.DriftReport, domain.EnqueueResult, error)
	RecordSample(ctx context.Context, sample domain.Sample) error
	ObserveFingerprint(agentID string, vector []float64) error
	Rebaseline(agentID string) (int, error)
	History(ctx context.Context, agentID string, limit int) ([]domain.Event, error)
}

type LifecycleHandler struct {
	service LifecycleService
}

func NewLifecycleHandler(s LifecycleService) *LifecycleHandler {
	return &LifecycleHandler{service: s}
}

type submitRequest struct {
	RequestID            string   `json:"request_id"`
	NeedType             string   `json:"need_type"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Priority             int      `json:"priority"`
	Justification        string   `json:"justification"`
}

type submitResponse struct {
	RequestID string               `json:"request_id"`
	Status    domain.RequestStatus `json:"status"`
}

// SubmitRequest отвечает 202: решение по заявке примет ближайший тик.
func (h *LifecycleHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	needType, err := domain.ParseNeedType(req.NeedType)
	if err != nil {
		writeError(w, err)
		return
	}

	q, _, err := h.service.SubmitRequest(r.Context(), domain.LifecycleRequest{
		RequestID:            req.RequestID,
		NeedType:             needType,
		RequiredCapabilities: req.RequiredCapabilities,
		Priority:             req.Priority,
		Justification:        req.Justification,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{RequestID: q.RequestID, Status: q.Status})
}

func (h *LifecycleHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	q, err := h.service.Request(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *LifecycleHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Start(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (h *LifecycleHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

type tickRequest struct {
	TickID string `json:"tick_id"`
}

// Tick принимает вебхук внешнего планировщика. Пустое тело допустимо.
func (h *LifecycleHandler) Tick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			badRequest(w, "invalid request body")
			return
		}
	}
	if err := h.service.Trigger(req.TickID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *LifecycleHandler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status())
}

func (h *LifecycleHandler) Queue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Queue())
}

type retireRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

type retireResponse struct {
	Agent  domain.Agent           `json:"agent"`
	Result lifecycle.RetireResult `json:"result"`
}

// Retire выводит агента по команде оператора, минуя очередь. Идемпотентен.
func (h *LifecycleHandler) Retire(w http.ResponseWriter, r *http.Request) {
	var req retireRequest
	if err := decode(r, &req); err != nil || req.AgentID == "" {
		badRequest(w, "agent_id is required")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator retirement"
	}
	if uid := auth.UserIDFromContext(r.Context()); uid != "" {
		reason += " (by " + uid + ")"
	}
	a, res, err := h.service.Retire(r.Context(), req.AgentID, reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, retireResponse{Agent: a, Result: res})
}
