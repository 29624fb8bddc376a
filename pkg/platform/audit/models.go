// Package audit captures key ledger and governance actions as events.
//
// Events are transport-agnostic so stores and sinks can fan out. The ledger
// core emits operational events fail-open: a full audit pipeline must never
// block or fail a balance mutation that has already committed.
package audit

import (
	"context"
	"log/slog"
	"time"

	id "vestra/pkg/domain"
)

// Event is emitted from domain logic to capture key actions.
type Event struct {
	Timestamp time.Time
	Actor     id.UserID
	// Action names what happened, e.g. "escrow_funded", "vote_cast",
	// "investment_executed".
	Action string
	// EntityID is the primary entity the action touched (account, pool, or
	// investment id) in string form.
	EntityID string
	// Amount is the decimal amount involved, empty for non-monetary actions.
	Amount string
	// Detail carries free-form context (reference, reason, outcome).
	Detail string
	// RequestID correlates the event with the HTTP request that caused it.
	RequestID string
}

// Store persists events. Appends preserve order per store; events are never
// rewritten.
type Store interface {
	Append(ctx context.Context, event Event) error
	List(ctx context.Context) ([]Event, error)
}

// Publisher emits events without blocking domain operations.
type Publisher interface {
	Emit(ctx context.Context, event Event) error
}

// Log emits an audit event fail-open: publisher errors are logged, never
// propagated. Use for operational events after the state change committed.
func Log(ctx context.Context, logger *slog.Logger, publisher Publisher, event Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Emit(ctx, event); err != nil && logger != nil {
		logger.WarnContext(ctx, "audit emit failed",
			"action", event.Action,
			"entity_id", event.EntityID,
			"error", err,
		)
	}
}
