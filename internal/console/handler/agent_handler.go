package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

type AgentHandler struct {
	service LifecycleService
}

func NewAgentHandler(s LifecycleService) *AgentHandler {
	return &AgentHandler{service: s}
}

// List: GET /agents?state=active,degraded&capability=analysis
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	var states []domain.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := domain.State(strings.TrimSpace(s))
			if !st.IsValid() {
				badRequest(w, "unknown state "+s)
				return
			}
			states = append(states, st)
		}
	}
	writeJSON(w, http.StatusOK, h.service.Agents(states, r.URL.Query().Get("capability")))
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.Agent(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type metricsRequest struct {
	Availability *float64  `json:"availability"`
	ErrorRate    *float64  `json:"error_rate"`
	LatencyMs    *float64  `json:"latency_ms"`
	ObservedAt   time.Time `json:"observed_at"`
}

// RecordMetrics принимает замер здоровья. Отсутствующие поля остаются отсутствующими.
func (h *AgentHandler) RecordMetrics(w http.ResponseWriter, r *http.Request) {
	var req metricsRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	err := h.service.RecordSample(r.Context(), domain.Sample{
		AgentID:      chi.URLParam(r, "id"),
		Availability: req.Availability,
		ErrorRate:    req.ErrorRate,
		LatencyMs:    req.LatencyMs,
		ObservedAt:   req.ObservedAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type fingerprintRequest struct {
	Vector []float64 `json:"vector"`
}

func (h *AgentHandler) Fingerprint(w http.ResponseWriter, r *http.Request) {
	var req fingerprintRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := h.service.ObserveFingerprint(chi.URLParam(r, "id"), req.Vector); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) Baseline(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.Rebaseline(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"baseline_version": v})
}

// History: GET /agents/{id}/history?limit=50
func (h *AgentHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	history, err := h.service.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}
