package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/metrics"
)

type ReliabilityConfig struct {
	Rate          float64
	Burst         int
	Attempts      uint
	CallTimeout   time.Duration
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
}

// ReliabilityWrapper защищает провижинер: лимитер, предохранитель и ретраи с бэкоффом.
type ReliabilityWrapper struct {
	next    Provisioner
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewReliabilityWrapper(next Provisioner, cfg ReliabilityConfig, m *metrics.Metrics, logger *zap.Logger) *ReliabilityWrapper {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = float64(rate.Inf)
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	logger = logger.Named("provisioner")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provisioner",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // через сколько CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), max(cfg.Burst, 1)),
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

func (w *ReliabilityWrapper) Provision(ctx context.Context, agent domain.Agent) error {
	return w.do(ctx, "provision", func(ctx context.Context) error { return w.next.Provision(ctx, agent) })
}

func (w *ReliabilityWrapper) Deprovision(ctx context.Context, agentID string) error {
	return w.do(ctx, "deprovision", func(ctx context.Context) error { return w.next.Deprovision(ctx, agentID) })
}

func (w *ReliabilityWrapper) Restart(ctx context.Context, agentID string) error {
	return w.do(ctx, "restart", func(ctx context.Context) error { return w.next.Restart(ctx, agentID) })
}

func (w *ReliabilityWrapper) Scale(ctx context.Context, agentID string, delta int) error {
	return w.do(ctx, "scale", func(ctx context.Context) error { return w.next.Scale(ctx, agentID, delta) })
}

func (w *ReliabilityWrapper) do(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	outcome := "ok"
	defer func() {
		w.metrics.ProvisionerDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}()

	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		outcome = "rate_limited"
		return fmt.Errorf("provisioning: %s: rate limit: %w", op, err)
	}

	// 2. Circuit Breaker поверх ретраев: одна «попытка» CB: это вся серия повторов
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()
			return fn(tCtx)
		})
	})
	if err != nil {
		outcome = "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "circuit_open"
		}
		return fmt.Errorf("provisioning: %s: %w", op, err)
	}
	return nil
}
