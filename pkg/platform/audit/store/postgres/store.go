package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	id "vestra/pkg/domain"
	audit "vestra/pkg/platform/audit"
	txcontext "vestra/pkg/platform/tx"
)

// Store implements audit.Store on PostgreSQL. Events are append-only rows in
// the audit_events table.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append writes a single audit event. Rows are never updated afterwards.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	query := `
		INSERT INTO audit_events (
			id, timestamp, actor_id, action, entity_id, amount, detail, request_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	var actorID *uuid.UUID
	if !event.Actor.IsNil() {
		actor := uuid.UUID(event.Actor)
		actorID = &actor
	}

	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.New(),
		event.Timestamp,
		actorID,
		event.Action,
		event.EntityID,
		event.Amount,
		event.Detail,
		event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns all events in append order.
func (s *Store) List(ctx context.Context) ([]audit.Event, error) {
	query := `
		SELECT timestamp, actor_id, action, entity_id, amount, detail, request_id
		FROM audit_events
		ORDER BY timestamp, id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListByActor returns events recorded for a specific actor, newest first.
func (s *Store) ListByActor(ctx context.Context, actor id.UserID) ([]audit.Event, error) {
	query := `
		SELECT timestamp, actor_id, action, entity_id, amount, detail, request_id
		FROM audit_events
		WHERE actor_id = $1
		ORDER BY timestamp DESC
	`

	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(actor))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event

	for rows.Next() {
		var (
			event   audit.Event
			actorID *uuid.UUID
		)
		err := rows.Scan(
			&event.Timestamp,
			&actorID,
			&event.Action,
			&event.EntityID,
			&event.Amount,
			&event.Detail,
			&event.RequestID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if actorID != nil {
			event.Actor = id.UserID(*actorID)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
