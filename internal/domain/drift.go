package domain

import "time"

// Fingerprint — отпечаток поведения/знаний агента.
type Fingerprint struct {
	Version    int       `json:"version"`
	Vector     []float64 `json:"vector"`
	RecordedAt time.Time `json:"recorded_at"`
}

type DriftReport struct {
	AgentID         string    `json:"agent_id"`
	DriftScore      float64   `json:"drift_score"`
	Severity        Severity  `json:"severity"`
	BaselineVersion int       `json:"baseline_version"`
	CheckedAt       time.Time `json:"checked_at"`
}
