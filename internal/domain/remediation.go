package domain

import (
	"fmt"
	"time"
)

// Severity — порядковая шкала серьезности.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank возвращает числовой ранг для сравнения; 0 для неизвестных значений.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func ParseSeverity(s string) (Severity, error) {
	if sev := Severity(s); sev.Rank() > 0 {
		return sev, nil
	}
	return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidRequest, s)
}

// Strategy — вид корректирующего действия.
type Strategy string

const (
	StrategyRetire  Strategy = "retire"
	StrategyRestart Strategy = "restart"
	StrategyScale   Strategy = "scale"
	StrategyCustom  Strategy = "custom"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyRetire, StrategyRestart, StrategyScale, StrategyCustom:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, s)
}

// Источники находок.
const (
	SourceHealth   = "health"
	SourceDrift    = "drift"
	SourceOperator = "operator"
)

// RemediationItem — единица работы в очереди исправлений.
type RemediationItem struct {
	AgentID    string    `json:"agent_id"`
	Strategy   Strategy  `json:"strategy"`
	Severity   Severity  `json:"severity"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// Immediate — признак прямого запуска: элемент уходит первым в ближайший drain.
	Immediate bool   `json:"immediate"`
	Source    string `json:"source,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// DedupKey: agent_id + strategy.
func (i RemediationItem) DedupKey() string {
	return i.AgentID + ":" + string(i.Strategy)
}

// EnqueueResult — исход постановки в очередь.
type EnqueueResult string

const (
	EnqueueAccepted EnqueueResult = "accepted"
	EnqueueDeduped  EnqueueResult = "deduped"
	EnqueueReplaced EnqueueResult = "replaced"
	// EnqueueSkipped — находка ниже порога действия, в очередь ничего не ушло.
	EnqueueSkipped EnqueueResult = "skipped"
)
