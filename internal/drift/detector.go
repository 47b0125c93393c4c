package drift

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"go.uber.org/zap"
)

// Enqueuer — очередь исправлений с точки зрения детектора.
type Enqueuer interface {
	Enqueue(item domain.RemediationItem) (domain.EnqueueResult, error)
}

// Thresholds — нижние границы корзин серьезности по drift_score.
type Thresholds struct {
	Medium   float64
	High     float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Medium: 0.2, High: 0.4, Critical: 0.6}
}

// Mode — путь исправления.
type Mode int

const (
	// ModeAuto: high/critical идут немедленным путем, medium: через очередь.
	ModeAuto Mode = iota
	ModeImmediate
	ModeQueued
)

// Detector сравнивает текущий отпечаток агента с эталоном.
type Detector struct {
	store      *FingerprintStore
	queue      Enqueuer
	thresholds Thresholds
	strategy   domain.Strategy
	logger     *zap.Logger
	now        func() time.Time

	// onImmediate будит ближайший drain после немедленной постановки.
	onImmediate func()
}

func NewDetector(store *FingerprintStore, queue Enqueuer, th Thresholds, strategy domain.Strategy, logger *zap.Logger) *Detector {
	if strategy == "" {
		strategy = domain.StrategyRestart
	}
	return &Detector{
		store:      store,
		queue:      queue,
		thresholds: th,
		strategy:   strategy,
		logger:     logger.Named("drift"),
		now:        time.Now,
	}
}

// OnImmediate регистрирует хук, вызываемый после немедленной постановки в очередь.
func (d *Detector) OnImmediate(fn func()) {
	d.onImmediate = fn
}

// Severity раскладывает drift_score по корзинам.
func (d *Detector) Severity(score float64) domain.Severity {
	switch {
	case score >= d.thresholds.Critical:
		return domain.SeverityCritical
	case score >= d.thresholds.High:
		return domain.SeverityHigh
	case score >= d.thresholds.Medium:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// Check считает дрейф агента. ErrNotFound: у агента нет отпечатка или эталона.
func (d *Detector) Check(ctx context.Context, agent domain.Agent) (domain.DriftReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.DriftReport{}, err
	}
	current, reference, err := d.store.Pair(agent.ID)
	if err != nil {
		return domain.DriftReport{}, err
	}
	score, err := Divergence(current.Vector, reference.Vector)
	if err != nil {
		return domain.DriftReport{}, fmt.Errorf("drift: agent %s: %w", agent.ID, err)
	}
	return domain.DriftReport{
		AgentID:         agent.ID,
		DriftScore:      score,
		Severity:        d.Severity(score),
		BaselineVersion: reference.Version,
		CheckedAt:       d.now().UTC(),
	}, nil
}

// Item строит элемент очереди по отчету. ok=false для low: действий не требуется.
func (d *Detector) Item(report domain.DriftReport, mode Mode) (domain.RemediationItem, bool) {
	if report.Severity.Rank() < domain.SeverityMedium.Rank() {
		return domain.RemediationItem{}, false
	}
	immediate := mode == ModeImmediate ||
		(mode == ModeAuto && report.Severity.Rank() >= domain.SeverityHigh.Rank())
	return domain.RemediationItem{
		AgentID:    report.AgentID,
		Strategy:   d.strategy,
		Severity:   report.Severity,
		EnqueuedAt: d.now().UTC(),
		Immediate:  immediate,
		Source:     domain.SourceDrift,
		Reason:     fmt.Sprintf("drift score %.3f vs baseline v%d", report.DriftScore, report.BaselineVersion),
	}, true
}

// Remediate ставит исправление по отчету. Немедленный путь тоже идет через
// очередь, но с флагом прямого запуска: ближайший drain заберет его первым и
// выполнит под критической секцией агента.
func (d *Detector) Remediate(report domain.DriftReport, mode Mode) (domain.EnqueueResult, error) {
	item, ok := d.Item(report, mode)
	if !ok {
		return domain.EnqueueSkipped, nil
	}
	res, err := d.queue.Enqueue(item)
	if err != nil {
		return "", fmt.Errorf("drift: remediate %s: %w", report.AgentID, err)
	}
	d.logger.Info("drift remediation enqueued",
		zap.String("agent_id", report.AgentID),
		zap.String("severity", string(report.Severity)),
		zap.Bool("immediate", item.Immediate),
		zap.String("result", string(res)),
	)
	if item.Immediate && d.onImmediate != nil {
		d.onImmediate()
	}
	return res, nil
}

// Divergence = 1 - cosine similarity, ограниченная сверху единицей.
func Divergence(current, reference []float64) (float64, error) {
	if len(current) != len(reference) {
		return 0, fmt.Errorf("fingerprint length %d != %d: %w", len(current), len(reference), domain.ErrInvalidRequest)
	}
	var dot, nc, nr float64
	for i := range current {
		dot += current[i] * reference[i]
		nc += current[i] * current[i]
		nr += reference[i] * reference[i]
	}
	switch {
	case nc == 0 && nr == 0:
		return 0, nil
	case nc == 0 || nr == 0:
		return 1, nil
	}
	sim := dot / (math.Sqrt(nc) * math.Sqrt(nr))
	return math.Max(0, math.Min(1, 1-sim)), nil
}
