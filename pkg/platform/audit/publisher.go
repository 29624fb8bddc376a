package audit

import (
	"context"

	"vestra/pkg/platform/sentinel"
	"vestra/pkg/requestcontext"
)

// ChannelPublisher hands events to a background worker through a bounded
// inbox. Emit never blocks: when the inbox is full the event is dropped and
// ErrUnavailable returned, which Log downgrades to a warning.
type ChannelPublisher struct {
	inbox chan Event
}

// NewChannelPublisher builds a publisher with the given inbox capacity.
func NewChannelPublisher(capacity int) *ChannelPublisher {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ChannelPublisher{inbox: make(chan Event, capacity)}
}

// Inbox exposes the receive side for the worker.
func (p *ChannelPublisher) Inbox() <-chan Event {
	return p.inbox
}

// Emit enqueues the event, stamping the timestamp and request id from
// context when unset.
func (p *ChannelPublisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	select {
	case p.inbox <- event:
		return nil
	default:
		return sentinel.ErrUnavailable
	}
}
