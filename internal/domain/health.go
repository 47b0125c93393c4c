package domain

import "time"

// Classification — класс здоровья агента.
type Classification string

const (
	Healthy  Classification = "healthy"
	Warning  Classification = "warning"
	Critical Classification = "critical"
	// Stale — нет свежих метрик, решение на этом тике не принимается.
	Stale Classification = "stale"
)

// Sample — сырые метрики агента. nil означает отсутствие замера, а не ноль.
type Sample struct {
	AgentID      string    `json:"agent_id"`
	Availability *float64  `json:"availability,omitempty"`
	ErrorRate    *float64  `json:"error_rate,omitempty"`
	LatencyMs    *float64  `json:"latency_ms,omitempty"` // перцентиль задержки (p95)
	ObservedAt   time.Time `json:"observed_at"`
}

type HealthResult struct {
	AgentID        string         `json:"agent_id"`
	Score          float64        `json:"score"`
	Classification Classification `json:"classification"`
	ObservedAt     time.Time      `json:"observed_at"`
}
