package events

/*
Auditor — журнал событий жизненного цикла (Audit Trail).

- Non-blocking: Publish только кладет событие в буферизованный канал, задержки
  записи в БД не тормозят тик контура.
- Batching: пачка пишется в хранилище по таймеру или по достижении batchSize.
- Drain: Stop закрывает вход, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"github.com/xela07ax/agent-lifecycle/internal/metrics"
	"go.uber.org/zap"
)

const batchSize = 100

// StorageInterface определяет, куда физически сохраняются события.
type StorageInterface interface {
	WriteBatch(ctx context.Context, events []domain.Event) error
}

type Auditor struct {
	ch            chan domain.Event
	repo          StorageInterface
	flushInterval time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger
	wg            sync.WaitGroup

	// closed защищен mu: отправка в канал идет под RLock, закрытие под Lock
	mu     sync.RWMutex
	closed bool
}

func NewAuditor(repo StorageInterface, bufferSize int, flushInterval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Auditor {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Auditor{
		ch:            make(chan domain.Event, bufferSize),
		repo:          repo,
		flushInterval: flushInterval,
		metrics:       m,
		logger:        logger.With(zap.String("mod", "auditor")),
	}
}

func (a *Auditor) Start() {
	a.wg.Add(1)
	go a.worker()
}

// Stop запирает вход и ждет, пока воркер всё допишет.
func (a *Auditor) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()

	a.logger.Info("stopping auditor: flushing buffer...")
	a.wg.Wait()
	a.logger.Info("auditor stopped gracefully")
}

// Publish не блокирует: при переполнении событие сбрасывается в лог (load shedding).
func (a *Auditor) Publish(_ context.Context, e domain.Event) error {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logger.Warn("audit event dropped: auditor is stopping", zap.String("id", e.ID))
		return nil
	}

	select {
	case a.ch <- e:
		a.metrics.AuditBufferFill.Set(float64(len(a.ch)))
	default:
		a.logger.Error("audit_buffer_overflow",
			zap.String("event", e.Event),
			zap.String("agent_id", e.AgentID),
			zap.String("request_id", e.RequestID),
		)
	}
	return nil
}

func (a *Auditor) worker() {
	defer a.wg.Done()

	batch := make([]domain.Event, 0, batchSize)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст при остановке уже закрыт
		if err := a.repo.WriteBatch(context.Background(), batch); err != nil {
			a.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		a.metrics.AuditBufferFill.Set(float64(len(a.ch)))
	}

	for {
		select {
		case e, ok := <-a.ch:
			if !ok {
				flush()
				a.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
