package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

// EventRepo — журнал событий жизненного цикла. Пишется пачками из Auditor.
type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

// Количество колонок в таблице lifecycle_events
const eventFields = 12

func (r *EventRepo) WriteBatch(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	query, vals := buildEventInsert(events)
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write %d events: %w", len(events), err)
	}
	return nil
}

// buildEventInsert строит многострочный INSERT. Повтор пачки после сбоя
// не дублирует события: id уникален.
func buildEventInsert(events []domain.Event) (string, []any) {
	var sb strings.Builder
	vals := make([]any, 0, len(events)*eventFields)

	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for f := range eventFields {
			if f > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*eventFields+f+1)
		}
		sb.WriteString(")")

		vals = append(vals,
			e.ID, e.Event, e.AgentID, e.RequestID, string(e.FromState), string(e.ToState),
			string(e.Severity), string(e.Strategy), e.Outcome, e.Reason, e.TickID, e.TS,
		)
	}

	query := "INSERT INTO lifecycle_events (id, event, agent_id, request_id, from_state, to_state, severity, strategy, outcome, reason, tick_id, ts) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"
	return query, vals
}

// AgentHistory читает события агента в хронологическом порядке.
func (r *EventRepo) AgentHistory(ctx context.Context, agentID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, event, agent_id, request_id, from_state, to_state, severity, strategy, outcome, reason, tick_id, ts
		FROM lifecycle_events WHERE agent_id = $1 ORDER BY ts LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Event, 0)
	for rows.Next() {
		var (
			e                       domain.Event
			from, to, sev, strategy string
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.AgentID, &e.RequestID, &from, &to, &sev, &strategy,
			&e.Outcome, &e.Reason, &e.TickID, &e.TS); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan event: %w", err)
		}
		e.FromState, e.ToState = domain.State(from), domain.State(to)
		e.Severity, e.Strategy = domain.Severity(sev), domain.Strategy(strategy)
		out = append(out, e)
	}
	return out, rows.Err()
}
