// Package event defines the append-only scheduler audit event.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of scheduler event.
type Type string

const (
	TypeRoundStarted    Type = "round.started"
	TypeRoundAdvanced   Type = "round.advanced"
	TypeRoundFinished   Type = "round.finished"
	TypeRoundPaused     Type = "round.paused"
	TypeRoundResumed    Type = "round.resumed"
	TypeSpeakerSkipped  Type = "round.speaker_skipped"
	TypeSpeakerInserted Type = "round.speaker_inserted"
	TypeSpeakerRetried  Type = "round.speaker_retried"

	TypeRunQueued          Type = "run.queued"
	TypeRunClaimed         Type = "run.claimed"
	TypeRunSucceeded       Type = "run.succeeded"
	TypeRunFailed          Type = "run.failed"
	TypeRunCanceled        Type = "run.canceled"
	TypeRunCancelRequested Type = "run.cancel_requested"
	TypeRunKicked          Type = "run.kicked"

	TypeSchedulingStopped Type = "scheduling.stopped"
	TypeAutoModeChanged   Type = "scheduling.auto_mode_changed"
	TypeRecovery          Type = "scheduling.recovery"

	TypeRosterChanged   Type = "space.roster_changed"
	TypeSettingsChanged Type = "space.settings_changed"

	TypeConversationForked Type = "conversation.forked"
	TypeForkCopyFailed     Type = "conversation.fork_failed"
	TypeMessageCreated     Type = "message.created"
	TypeMessageEdited      Type = "message.edited"
	TypeMessageDeleted     Type = "message.deleted"
)

// SchedulerEvent is a single immutable entry in a conversation's scheduling history.
type SchedulerEvent struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	RoundID        string          `json:"round_id,omitempty"`
	RunID          string          `json:"run_id,omitempty"`
	Type           Type            `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Revision       int64           `json:"revision"`
	RequestID      string          `json:"request_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// New builds an event with payload marshaled to JSON. A payload that
// cannot be marshaled is dropped.
func New(conversationID string, typ Type, payload any) SchedulerEvent {
	ev := SchedulerEvent{ConversationID: conversationID, Type: typ}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}

// Filter controls which events a history query returns.
type Filter struct {
	Types  []Type     `json:"types,omitempty"`
	RunID  string     `json:"run_id,omitempty"`
	After  *time.Time `json:"after,omitempty"`
	Before *time.Time `json:"before,omitempty"`
}

// Page is a cursor-paginated page of events.
type Page struct {
	Events  []SchedulerEvent `json:"events"`
	Cursor  string           `json:"cursor"`
	HasMore bool             `json:"has_more"`
}
