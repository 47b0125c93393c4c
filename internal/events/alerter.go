package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

// Alert — уведомление оператору.
type Alert struct {
	Severity domain.Severity `json:"severity"`
	Title    string          `json:"title"`
	Message  string          `json:"message"`
	AgentID  string          `json:"agent_id,omitempty"`
	TS       time.Time       `json:"ts"`
}

// Alerter никогда не возвращает ошибок: сбой уведомлений не должен влиять на контур.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

type NopAlerter struct{}

func (NopAlerter) Alert(context.Context, Alert) {}

// WebhookAlerter шлет алерты в чат-вебхук (формат {"text": ...} плюс поля алерта).
type WebhookAlerter struct {
	url         string
	minSeverity domain.Severity
	client      *http.Client
	cb          *gobreaker.CircuitBreaker
	logger      *zap.Logger
}

func NewWebhookAlerter(url string, minSeverity domain.Severity, timeout time.Duration, logger *zap.Logger) *WebhookAlerter {
	if minSeverity.Rank() == 0 {
		minSeverity = domain.SeverityMedium
	}
	return &WebhookAlerter{
		url:         url,
		minSeverity: minSeverity,
		client:      &http.Client{Timeout: timeout},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "alerts-webhook",
			Timeout: time.Minute,
		}),
		logger: logger.Named("alerts"),
	}
}

func (w *WebhookAlerter) Alert(ctx context.Context, a Alert) {
	if a.Severity.Rank() < w.minSeverity.Rank() {
		return
	}
	if a.TS.IsZero() {
		a.TS = time.Now().UTC()
	}
	body, err := json.Marshal(struct {
		Text string `json:"text"`
		Alert
	}{Text: fmt.Sprintf("[%s] %s: %s", a.Severity, a.Title, a.Message), Alert: a})
	if err != nil {
		w.logger.Error("alert marshal failed", zap.Error(err))
		return
	}

	_, err = w.cb.Execute(func() (interface{}, error) {
		return nil, retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
		).Do(func() error { return w.send(ctx, body) })
	})
	if err != nil {
		w.logger.Warn("alert delivery failed",
			zap.String("title", a.Title), zap.String("agent_id", a.AgentID), zap.Error(err))
	}
}

func (w *WebhookAlerter) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
