package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

func (s *Store) SaveRequest(ctx context.Context, q domain.LifecycleRequest) error {
	caps, err := json.Marshal(q.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("postgres: marshal capabilities: %w", err)
	}
	query := `
		INSERT INTO lifecycle_requests (request_id, need_type, required_capabilities, priority, justification, status, reason, agent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (request_id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			agent_id = EXCLUDED.agent_id,
			updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		q.RequestID, string(q.NeedType), caps, q.Priority, q.Justification,
		string(q.Status), q.Reason, q.AgentID, q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save request %s: %w", q.RequestID, err)
	}
	return nil
}

func (s *Store) LoadRequests(ctx context.Context) ([]domain.LifecycleRequest, error) {
	query := `
		SELECT request_id, need_type, required_capabilities, priority, justification, status, reason, agent_id, created_at, updated_at
		FROM lifecycle_requests ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query requests: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, а не nil: так же, как и для агентов
	out := make([]domain.LifecycleRequest, 0)
	for rows.Next() {
		var (
			q            domain.LifecycleRequest
			needType     string
			status       string
			capabilities []byte
		)
		err := rows.Scan(&q.RequestID, &needType, &capabilities, &q.Priority, &q.Justification,
			&status, &q.Reason, &q.AgentID, &q.CreatedAt, &q.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan request: %w", err)
		}
		if err := json.Unmarshal(capabilities, &q.RequiredCapabilities); err != nil {
			return nil, fmt.Errorf("postgres: request %s capabilities: %w", q.RequestID, err)
		}
		q.NeedType = domain.NeedType(needType)
		q.Status = domain.RequestStatus(status)
		out = append(out, q)
	}
	return out, rows.Err()
}
