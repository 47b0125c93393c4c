package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: длительность тика целиком
	TickDuration prometheus.Histogram

	// Traffic: тики по исходу (completed, cancelled, skipped)
	Ticks *prometheus.CounterVec

	// Переходы автомата
	Transitions *prometheus.CounterVec

	// Saturation: глубина очереди исправлений
	QueueDepth prometheus.Gauge

	// Исходы enqueue: accepted, deduped, replaced, queue_full
	EnqueueResults *prometheus.CounterVec

	RemediationOutcomes *prometheus.CounterVec

	// Последняя оценка здоровья по агенту
	HealthScore *prometheus.GaugeVec

	// Errors: ошибки оценки по виду таксономии
	EvaluationErrors *prometheus.CounterVec

	// Состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	ProvisionerDuration *prometheus.HistogramVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lifecycle_tick_duration_seconds",
			Help:    "Duration of control loop ticks.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_ticks_total",
			Help: "Control loop ticks by outcome.",
		}, []string{"outcome"}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_transitions_total",
			Help: "Agent state transitions.",
		}, []string{"from", "to"}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "lifecycle_remediation_queue_depth",
			Help: "Items waiting in the remediation queue.",
		}),

		EnqueueResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_remediation_enqueue_total",
			Help: "Remediation enqueue attempts by result.",
		}, []string{"result"}),

		RemediationOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_remediation_outcomes_total",
			Help: "Executed remediations by strategy and outcome.",
		}, []string{"strategy", "outcome"}),

		HealthScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lifecycle_agent_health_score",
			Help: "Latest computed health score per agent.",
		}, []string{"agent_id"}),

		EvaluationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_evaluation_errors_total",
			Help: "Per-agent evaluation failures by kind.",
		}, []string{"kind"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lifecycle_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"breaker"}),

		ProvisionerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifecycle_provisioner_call_duration_seconds",
			Help:    "Latency of provisioner calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "lifecycle_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
