package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

// retryAfterSeconds — подсказка клиенту при переполненной очереди.
const retryAfterSeconds = "5"

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor переводит вид ошибки в HTTP-код. Состояние HTTP-слой не откатывает.
func statusFor(err error) (int, domain.Kind) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, domain.KindEvaluationTimeout
	}
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound, kind
	case domain.KindConflict, domain.KindIllegalTransition, domain.KindDuplicateCapabilitySpec:
		return http.StatusConflict, kind
	case domain.KindQueueFull:
		return http.StatusServiceUnavailable, kind
	case domain.KindCapabilityUnavailable:
		return http.StatusUnprocessableEntity, kind
	case domain.KindEvaluationTimeout:
		return http.StatusGatewayTimeout, kind
	case domain.KindDeprovisionFailure:
		return http.StatusBadGateway, kind
	case domain.KindInvalidRequest:
		return http.StatusBadRequest, kind
	default:
		return http.StatusInternalServerError, kind
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, kind := statusFor(err)
	if kind == domain.KindQueueFull {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, code, errorBody{Error: string(kind), Message: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: string(domain.KindInvalidRequest), Message: msg})
}

// decode читает JSON-тело; неизвестные поля: ошибка клиента.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
