package remediation

import (
	"sync"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

// Outcomes копит статистику исходов по стратегиям.
type Outcomes struct {
	mu    sync.Mutex
	stats map[domain.Strategy]*domain.StrategyStats
}

func NewOutcomes() *Outcomes {
	return &Outcomes{stats: make(map[domain.Strategy]*domain.StrategyStats)}
}

func (o *Outcomes) Record(strategy domain.Strategy, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.stats[strategy]
	if !ok {
		s = &domain.StrategyStats{}
		o.stats[strategy] = s
	}
	s.Attempts++
	if success {
		s.Successes++
	} else {
		s.Failures++
	}
	s.Rate = float64(s.Successes) / float64(s.Attempts)
}

func (o *Outcomes) Snapshot() map[domain.Strategy]domain.StrategyStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[domain.Strategy]domain.StrategyStats, len(o.stats))
	for k, v := range o.stats {
		out[k] = *v
	}
	return out
}
