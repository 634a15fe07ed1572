package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventQueueUpdated       = "conversation.queue_updated"
	EventTyping             = "conversation.typing"
	EventGenerationStopped  = "conversation.generation_stopped"
	EventConversationForked = "conversation.forked"
	EventConversationReady  = "conversation.ready"
	EventConversationFailed = "conversation.fork_failed"
	EventRunStatus          = "run.status"
	EventMessageCreated     = "message.created"
	EventMessageChanged     = "message.changed"
)

// scoped is implemented by payloads that belong to one conversation. The
// hub only delivers them to clients watching that conversation.
type scoped interface {
	Conversation() string
}

// QueueUpdatedEvent is broadcast after every scheduler-visible change.
type QueueUpdatedEvent struct {
	ConversationID   string   `json:"conversation_id"`
	Revision         int64    `json:"group_queue_revision"`
	SchedulingState  string   `json:"scheduling_state"`
	RoundID          string   `json:"round_id,omitempty"`
	CurrentSpeakerID string   `json:"current_speaker_id,omitempty"`
	Upcoming         []string `json:"upcoming,omitempty"`
}

// TypingEvent turns the typing indicator for a speaker on or off.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	MembershipID   string `json:"space_membership_id"`
	RunID          string `json:"run_id"`
	Active         bool   `json:"active"`
}

// GenerationStoppedEvent is sent as soon as a cancel is requested, before
// the worker observes it.
type GenerationStoppedEvent struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id"`
	Reason         string `json:"reason,omitempty"`
}

// RunStatusEvent is broadcast when a run changes status.
type RunStatusEvent struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id"`
	SpeakerID      string `json:"speaker_space_membership_id"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
}

// MessageEvent is broadcast when a message is created, edited or deleted.
type MessageEvent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	MembershipID   string `json:"space_membership_id,omitempty"`
	Seq            int64  `json:"seq"`
	Action         string `json:"action,omitempty"` // "edited" | "deleted"
}

// ForkEvent is broadcast when a branch is created and when its copy completes.
type ForkEvent struct {
	ConversationID      string `json:"conversation_id"`
	ChildID             string `json:"child_conversation_id"`
	ForkedFromMessageID string `json:"forked_from_message_id"`
	Status              string `json:"status"`
}

func (e QueueUpdatedEvent) Conversation() string { return e.ConversationID }
func (e TypingEvent) Conversation() string { return e.ConversationID }
func (e GenerationStoppedEvent) Conversation() string { return e.ConversationID }
func (e RunStatusEvent) Conversation() string { return e.ConversationID }
func (e MessageEvent) Conversation() string { return e.ConversationID }
func (e ForkEvent) Conversation() string { return e.ConversationID }

// BroadcastEvent marshals a typed event and broadcasts it. Delivery is
// best-effort; failures are logged and never returned.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	msg := Message{Type: eventType, Payload: json.RawMessage(data)}
	if s, ok := payload.(scoped); ok {
		msg.ConversationID = s.Conversation()
	}
	h.Broadcast(ctx, msg)
}
