package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felipepmaragno/model-router/internal/failover"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS failover_events (
	id                UUID PRIMARY KEY,
	type              TEXT NOT NULL,
	alias             TEXT NOT NULL,
	binding           TEXT NOT NULL DEFAULT '',
	reason            TEXT NOT NULL,
	loss_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	trigger_count     INTEGER NOT NULL DEFAULT 0,
	recovery_deadline TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS failover_events_alias_created_at
	ON failover_events (alias, created_at DESC);
`

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

type PostgresEventJournal struct {
	db *sql.DB
}

func NewPostgresEventJournal(db *sql.DB) *PostgresEventJournal {
	return &PostgresEventJournal{db: db}
}

// Migrate creates the journal table when it does not exist.
func (j *PostgresEventJournal) Migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate failover_events: %w", err)
	}
	return nil
}

func (j *PostgresEventJournal) Append(ctx context.Context, ev failover.Event) error {
	query := `
		INSERT INTO failover_events (id, type, alias, binding, reason, loss_usd,
		                             status, trigger_count, recovery_deadline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var deadline sql.NullTime
	if !ev.State.RecoveryDeadline.IsZero() {
		deadline = sql.NullTime{Time: ev.State.RecoveryDeadline, Valid: true}
	}

	_, err := j.db.ExecContext(ctx, query,
		uuid.New(),
		string(ev.Type),
		ev.Alias,
		ev.Binding,
		ev.Reason,
		ev.LossUSD,
		ev.State.Status.String(),
		ev.State.TriggerCount,
		deadline,
		ev.At,
	)
	if err != nil {
		return fmt.Errorf("insert failover event: %w", err)
	}

	return nil
}

func (j *PostgresEventJournal) Recent(ctx context.Context, q EventQuery) ([]failover.Event, error) {
	query := `
		SELECT type, alias, binding, reason, loss_usd, status, trigger_count,
		       recovery_deadline, created_at
		FROM failover_events
		WHERE ($1 = '' OR alias = $1)
		  AND (cardinality($2::text[]) = 0 OR type = ANY($2))
		ORDER BY created_at DESC
		LIMIT $3
	`

	types := make([]string, len(q.Types))
	for i, t := range q.Types {
		types[i] = string(t)
	}

	rows, err := j.db.QueryContext(ctx, query, q.Alias, pq.Array(types), q.limit())
	if err != nil {
		return nil, fmt.Errorf("query failover events: %w", err)
	}
	defer rows.Close()

	var events []failover.Event
	for rows.Next() {
		var (
			ev       failover.Event
			evType   string
			status   string
			deadline sql.NullTime
		)
		err := rows.Scan(
			&evType,
			&ev.Alias,
			&ev.Binding,
			&ev.Reason,
			&ev.LossUSD,
			&status,
			&ev.State.TriggerCount,
			&deadline,
			&ev.At,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failover event: %w", err)
		}

		ev.Type = failover.EventType(evType)
		ev.State.Alias = ev.Alias
		ev.State.Status = failover.ParseStatus(status)
		if deadline.Valid {
			ev.State.RecoveryDeadline = deadline.Time
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}
