package domain

import "time"

// Stats — агрегаты контура, которые отдаются в status().
type Stats struct {
	Ticks               int64                      `json:"ticks"`
	LastTickAt          time.Time                  `json:"last_tick_at,omitzero"`
	LastTickDurationMs  int64                      `json:"last_tick_duration_ms"`
	AgentsByState       map[State]int              `json:"agents_by_state"`
	QueueDepth          int                        `json:"queue_depth"`
	QueueEvicted        int64                      `json:"queue_evicted"`
	RequestsByStatus    map[string]int             `json:"requests_by_status"`
	RemediationOutcomes map[Strategy]StrategyStats `json:"remediation_outcomes"`
	EvaluationErrors    int64                      `json:"evaluation_errors"`
}

// StrategyStats — исходы исправлений по одной стратегии.
type StrategyStats struct {
	Attempts  int64   `json:"attempts"`
	Successes int64   `json:"successes"`
	Failures  int64   `json:"failures"`
	Rate      float64 `json:"success_rate"`
}

// AgentSummary — строка списка deployed_agents.
type AgentSummary struct {
	ID          string  `json:"id"`
	State       State   `json:"state"`
	HealthScore float64 `json:"health_score"`
}

type Status struct {
	Running        bool           `json:"running"`
	DeployedAgents []AgentSummary `json:"deployed_agents"`
	Stats          Stats          `json:"stats"`
}
