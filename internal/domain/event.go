package domain

import "time"

// Типы событий для внешнего транспорта.
const (
	EventTransition        = "lifecycle:transition"
	EventRequest           = "lifecycle:request"
	EventRemediationResult = "remediation:outcome"
	EventDriftDetected     = "drift:detected"
)

// Event — сообщение во внешний транспорт. Доставка at-least-once: потребители
// дедуплицируют по request_id или agent_id+transition.
type Event struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	AgentID   string    `json:"agent_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	FromState State     `json:"from_state,omitempty"`
	ToState   State     `json:"to_state,omitempty"`
	Severity  Severity  `json:"severity,omitempty"`
	Strategy  Strategy  `json:"strategy,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	TickID    string    `json:"tick_id,omitempty"`
	TS        time.Time `json:"ts"`
}
