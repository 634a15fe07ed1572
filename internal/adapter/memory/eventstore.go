package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/roundtable-chat/roundtable/internal/domain/event"
	"github.com/roundtable-chat/roundtable/internal/port/eventstore"
)

// EventStore is an in-memory eventstore.Store.
type EventStore struct {
	mu     sync.Mutex
	events []event.SchedulerEvent
}

var _ eventstore.Store = (*EventStore)(nil)

// NewEventStore creates an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{}
}

func (s *EventStore) Append(_ context.Context, ev *event.SchedulerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = strconv.Itoa(len(s.events) + 1)
	ev.CreatedAt = time.Now()
	s.events = append(s.events, *ev)
	return nil
}

func (s *EventStore) LoadByConversation(_ context.Context, conversationID string) ([]event.SchedulerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.SchedulerEvent
	for _, ev := range s.events {
		if ev.ConversationID == conversationID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *EventStore) LoadHistory(_ context.Context, conversationID string, filter event.Filter, cursor string, limit int) (*event.Page, error) {
	if limit <= 0 {
		limit = 50
	}
	after := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		after = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	page := &event.Page{}
	for i := after; i < len(s.events); i++ {
		ev := s.events[i]
		if ev.ConversationID != conversationID {
			continue
		}
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, ev.Type) {
			continue
		}
		if filter.RunID != "" && ev.RunID != filter.RunID {
			continue
		}
		if filter.After != nil && !ev.CreatedAt.After(*filter.After) {
			continue
		}
		if filter.Before != nil && !ev.CreatedAt.Before(*filter.Before) {
			continue
		}
		if len(page.Events) == limit {
			page.HasMore = true
			break
		}
		page.Events = append(page.Events, ev)
	}
	if n := len(page.Events); n > 0 {
		page.Cursor = page.Events[n-1].ID
	}
	return page, nil
}
