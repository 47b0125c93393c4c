package domain

import "errors"

// Таксономия ошибок контура жизненного цикла.
var (
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("state conflict")
	ErrIllegalTransition       = errors.New("illegal state transition")
	ErrCapabilityUnavailable   = errors.New("capability unavailable")
	ErrDuplicateCapabilitySpec = errors.New("duplicate capability spec")
	ErrQueueFull               = errors.New("remediation queue is full")
	ErrEvaluationTimeout       = errors.New("evaluation timeout")
	ErrDeprovisionFailure      = errors.New("deprovision failure")
	ErrInvalidRequest          = errors.New("invalid request")
)

// Kind — машинно-читаемый вид ошибки для логов и HTTP-ответов.
type Kind string

const (
	KindNotFound                Kind = "not_found"
	KindConflict                Kind = "conflict"
	KindIllegalTransition       Kind = "illegal_transition"
	KindCapabilityUnavailable   Kind = "capability_unavailable"
	KindDuplicateCapabilitySpec Kind = "duplicate_capability_spec"
	KindQueueFull               Kind = "queue_full"
	KindEvaluationTimeout       Kind = "evaluation_timeout"
	KindDeprovisionFailure      Kind = "deprovision_failure"
	KindInvalidRequest          Kind = "invalid_request"
	KindInternal                Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrConflict, KindConflict},
	{ErrIllegalTransition, KindIllegalTransition},
	{ErrCapabilityUnavailable, KindCapabilityUnavailable},
	{ErrDuplicateCapabilitySpec, KindDuplicateCapabilitySpec},
	{ErrQueueFull, KindQueueFull},
	{ErrEvaluationTimeout, KindEvaluationTimeout},
	{ErrDeprovisionFailure, KindDeprovisionFailure},
	{ErrInvalidRequest, KindInvalidRequest},
}

// KindOf раскладывает обернутую ошибку по таксономии.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
