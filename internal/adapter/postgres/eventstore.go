package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roundtable-chat/roundtable/internal/domain/event"
	"github.com/roundtable-chat/roundtable/internal/port/eventstore"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

var _ eventstore.Store = (*EventStore)(nil)

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event into the conversation_events table.
func (s *EventStore) Append(ctx context.Context, ev *event.SchedulerEvent) error {
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO conversation_events (conversation_id, round_id, run_id, event_type, payload, revision, request_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id::text, created_at`,
		ev.ConversationID, nullIfEmpty(ev.RoundID), nullIfEmpty(ev.RunID), string(ev.Type), payload,
		ev.Revision, ev.RequestID).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// eventColumns is the SELECT column list for conversation_events queries.
const eventColumns = `id::text, conversation_id::text, COALESCE(round_id::text, ''), COALESCE(run_id::text, ''),
	event_type, payload, revision, request_id, created_at`

func scanEvent(row scannable, ev *event.SchedulerEvent) error {
	return row.Scan(&ev.ID, &ev.ConversationID, &ev.RoundID, &ev.RunID,
		&ev.Type, &ev.Payload, &ev.Revision, &ev.RequestID, &ev.CreatedAt)
}

// LoadByConversation returns all events for a conversation, oldest first.
func (s *EventStore) LoadByConversation(ctx context.Context, conversationID string) ([]event.SchedulerEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM conversation_events WHERE conversation_id = $1 ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load events of %s: %w", conversationID, err)
	}
	defer rows.Close()

	var events []event.SchedulerEvent
	for rows.Next() {
		var ev event.SchedulerEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LoadHistory returns a cursor-paginated page of events with optional filtering.
// The cursor is the id of the last event of the previous page.
func (s *EventStore) LoadHistory(ctx context.Context, conversationID string, filter event.Filter, cursor string, limit int) (*event.Page, error) {
	if limit <= 0 {
		limit = 50
	}

	args := []any{conversationID}
	conditions := []string{"conversation_id = $1"}
	argIdx := 2

	if cursor != "" {
		after, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		conditions = append(conditions, fmt.Sprintf("id > $%d", argIdx))
		args = append(args, after)
		argIdx++
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		conditions = append(conditions, fmt.Sprintf("event_type = ANY($%d)", argIdx))
		args = append(args, types)
		argIdx++
	}
	if filter.RunID != "" {
		conditions = append(conditions, fmt.Sprintf("run_id = $%d", argIdx))
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.After != nil {
		conditions = append(conditions, fmt.Sprintf("created_at > $%d", argIdx))
		args = append(args, *filter.After)
		argIdx++
	}
	if filter.Before != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, *filter.Before)
		argIdx++
	}

	// Fetch limit+1 to detect hasMore.
	fetchSQL := fmt.Sprintf(`SELECT %s FROM conversation_events WHERE %s ORDER BY id LIMIT $%d`,
		eventColumns, strings.Join(conditions, " AND "), argIdx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, fetchSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var events []event.SchedulerEvent
	for rows.Next() {
		var ev event.SchedulerEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &event.Page{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
	}
	if n := len(page.Events); n > 0 {
		page.Cursor = page.Events[n-1].ID
	}
	return page, nil
}
