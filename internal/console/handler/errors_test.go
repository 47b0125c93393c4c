package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind domain.Kind
	}{
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound, domain.KindNotFound},
		{domain.ErrConflict, http.StatusConflict, domain.KindConflict},
		{domain.ErrIllegalTransition, http.StatusConflict, domain.KindIllegalTransition},
		{domain.ErrDuplicateCapabilitySpec, http.StatusConflict, domain.KindDuplicateCapabilitySpec},
		{domain.ErrQueueFull, http.StatusServiceUnavailable, domain.KindQueueFull},
		{domain.ErrCapabilityUnavailable, http.StatusUnprocessableEntity, domain.KindCapabilityUnavailable},
		{domain.ErrEvaluationTimeout, http.StatusGatewayTimeout, domain.KindEvaluationTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, domain.KindEvaluationTimeout},
		{domain.ErrDeprovisionFailure, http.StatusBadGateway, domain.KindDeprovisionFailure},
		{domain.ErrInvalidRequest, http.StatusBadRequest, domain.KindInvalidRequest},
		{errors.New("boom"), http.StatusInternalServerError, domain.KindInternal},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			code, kind := statusFor(tc.err)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.kind, kind)
		})
	}
}

func TestWriteError_QueueFullHasRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, fmt.Errorf("drift: %w", domain.ErrQueueFull))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "queue_full", body.Error)
	assert.Contains(t, body.Message, "drift")
}
