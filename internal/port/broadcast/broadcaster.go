// Package broadcast defines how the scheduler pushes live updates to
// connected clients.
package broadcast

import "context"

// Broadcaster fans an event out to clients. Payloads that carry a
// conversation_id reach only clients watching that conversation; delivery
// is best effort and never blocks the caller.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
