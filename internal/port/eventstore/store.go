// Package eventstore defines the port interface for the append-only
// scheduler audit log.
package eventstore

import (
	"context"

	"github.com/roundtable-chat/roundtable/internal/domain/event"
)

// Store is the port interface for appending and loading scheduler events.
type Store interface {
	// Append persists a new event to the store.
	Append(ctx context.Context, ev *event.SchedulerEvent) error

	// LoadByConversation returns all events for a conversation, oldest first.
	LoadByConversation(ctx context.Context, conversationID string) ([]event.SchedulerEvent, error)

	// LoadHistory returns a cursor-paginated page of events with optional filtering.
	LoadHistory(ctx context.Context, conversationID string, filter event.Filter, cursor string, limit int) (*event.Page, error)
}
