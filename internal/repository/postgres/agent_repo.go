package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

// Store — персистентность реестра: агенты и заявки. Запись идет upsert по ключу,
// реестр вызывает ее до коммита в памяти.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) SaveAgent(ctx context.Context, a domain.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("postgres: marshal capabilities: %w", err)
	}
	query := `
		INSERT INTO agents (id, request_id, capabilities, state, health_score, last_evaluated_at, created_at, updated_at, retired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			health_score = EXCLUDED.health_score,
			last_evaluated_at = EXCLUDED.last_evaluated_at,
			updated_at = EXCLUDED.updated_at,
			retired_at = EXCLUDED.retired_at`

	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.RequestID, caps, string(a.State), a.HealthScore,
		nullTime(a.LastEvaluatedAt), a.CreatedAt, a.UpdatedAt, a.RetiredAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) LoadAgents(ctx context.Context) ([]domain.Agent, error) {
	query := `
		SELECT id, request_id, capabilities, state, health_score, last_evaluated_at, created_at, updated_at, retired_at
		FROM agents ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query agents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Agent, 0)
	for rows.Next() {
		var (
			a         domain.Agent
			caps      []byte
			state     string
			evaluated sql.NullTime
			retired   sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.RequestID, &caps, &state, &a.HealthScore, &evaluated, &a.CreatedAt, &a.UpdatedAt, &retired); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan agent: %w", err)
		}
		if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("postgres: agent %s capabilities: %w", a.ID, err)
		}
		a.State = domain.State(state)
		if evaluated.Valid {
			a.LastEvaluatedAt = evaluated.Time
		}
		if retired.Valid {
			t := retired.Time
			a.RetiredAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
