package handler

import (
	"net/http"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/drift"
)

type DriftHandler struct {
	service LifecycleService
}

func NewDriftHandler(s LifecycleService) *DriftHandler {
	return &DriftHandler{service: s}
}

// Check: GET /metrics/drift/check?agent_id=...
func (h *DriftHandler) Check(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		badRequest(w, "agent_id is required")
		return
	}
	report, err := h.service.CheckDrift(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type remediateRequest struct {
	AgentID string `json:"agent_id"`
}

type remediateResponse struct {
	Report domain.DriftReport   `json:"report"`
	Result domain.EnqueueResult `json:"result"`
}

func (h *DriftHandler) Remediate(w http.ResponseWriter, r *http.Request) {
	h.remediate(w, r, drift.ModeImmediate)
}

func (h *DriftHandler) QueueRemediation(w http.ResponseWriter, r *http.Request) {
	h.remediate(w, r, drift.ModeQueued)
}

func (h *DriftHandler) remediate(w http.ResponseWriter, r *http.Request, mode drift.Mode) {
	var req remediateRequest
	if err := decode(r, &req); err != nil || req.AgentID == "" {
		badRequest(w, "agent_id is required")
		return
	}
	report, res, err := h.service.RemediateDrift(r.Context(), req.AgentID, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusAccepted
	if res == domain.EnqueueSkipped {
		code = http.StatusOK
	}
	writeJSON(w, code, remediateResponse{Report: report, Result: res})
}
