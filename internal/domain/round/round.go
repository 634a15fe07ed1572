// Package round defines the scheduler Round: one bounded sequence of turns
// triggered by a user message or an automatic kick-off.
package round

import (
	"fmt"
	"time"

	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
)

// Status is the lifecycle status of a round.
type Status string

const (
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// EndedReason records why a round finished.
type EndedReason string

const (
	EndedRoundComplete EndedReason = "round_complete"
	EndedStopped       EndedReason = "stopped"
	EndedSuperseded    EndedReason = "superseded"
	EndedRecovered     EndedReason = "recovered"
	EndedNoSpeaker     EndedReason = "no_speaker"
)

// AutoKind records which auto loop, if any, started the round.
type AutoKind string

const (
	AutoNone         AutoKind = "none"
	AutoMode         AutoKind = "auto_mode"
	AutoWithoutHuman AutoKind = "auto_without_human"
)

// ParticipantStatus is the per-position turn status.
type ParticipantStatus string

const (
	ParticipantPending ParticipantStatus = "pending"
	ParticipantSpoken  ParticipantStatus = "spoken"
	ParticipantSkipped ParticipantStatus = "skipped"
)

// Participant is one queued turn. A membership may appear at several
// positions; turns are always addressed by position.
type Participant struct {
	RoundID      string            `json:"round_id"`
	Position     int               `json:"position"`
	MembershipID string            `json:"space_membership_id"`
	Status       ParticipantStatus `json:"status"`
	MessageID    string            `json:"message_id,omitempty"`
}

// Round is one scheduling episode of a conversation.
type Round struct {
	ID               string                       `json:"id"`
	ConversationID   string                       `json:"conversation_id"`
	Status           Status                       `json:"status"`
	SchedulingState  conversation.SchedulingState `json:"scheduling_state"`
	CurrentPosition  int                          `json:"current_position"`
	TriggerMessageID string                       `json:"trigger_message_id,omitempty"`
	IsUserInput      bool                         `json:"is_user_input"`
	AutoKind         AutoKind                     `json:"auto_kind"`
	EndedReason      EndedReason                  `json:"ended_reason,omitempty"`
	Participants     []Participant                `json:"participants"`
	StartedAt        time.Time                    `json:"started_at"`
	FinishedAt       *time.Time                   `json:"finished_at,omitempty"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// New builds an active round with pending participants at positions 0..n-1.
func New(id, conversationID, triggerMessageID string, isUserInput bool, auto AutoKind, memberIDs []string, now time.Time) *Round {
	if auto == "" {
		auto = AutoNone
	}
	r := &Round{
		ID:               id,
		ConversationID:   conversationID,
		Status:           StatusActive,
		SchedulingState:  conversation.StateAIGenerating,
		TriggerMessageID: triggerMessageID,
		IsUserInput:      isUserInput,
		AutoKind:         auto,
		Participants:     make([]Participant, 0, len(memberIDs)),
		StartedAt:        now,
		UpdatedAt:        now,
	}
	for i, mid := range memberIDs {
		r.Participants = append(r.Participants, Participant{
			RoundID:      id,
			Position:     i,
			MembershipID: mid,
			Status:       ParticipantPending,
		})
	}
	return r
}

// IsActive reports whether the round is still scheduling turns.
func (r *Round) IsActive() bool { return r.Status == StatusActive }

// Current returns the participant at CurrentPosition, or nil when the queue
// is exhausted.
func (r *Round) Current() *Participant {
	if r.CurrentPosition < 0 || r.CurrentPosition >= len(r.Participants) {
		return nil
	}
	return &r.Participants[r.CurrentPosition]
}

// Exhausted reports whether no position remains at or after CurrentPosition.
func (r *Round) Exhausted() bool {
	return r.CurrentPosition >= len(r.Participants)
}

// NextPending returns the first pending position at or after from, or -1.
func (r *Round) NextPending(from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(r.Participants); i++ {
		if r.Participants[i].Status == ParticipantPending {
			return i
		}
	}
	return -1
}

// Remaining returns the pending participants from CurrentPosition on.
func (r *Round) Remaining() []Participant {
	var out []Participant
	for i := r.CurrentPosition; i >= 0 && i < len(r.Participants); i++ {
		if r.Participants[i].Status == ParticipantPending {
			out = append(out, r.Participants[i])
		}
	}
	return out
}

// Mark sets the status of the participant at position.
func (r *Round) Mark(position int, status ParticipantStatus, messageID string) error {
	if position < 0 || position >= len(r.Participants) {
		return fmt.Errorf("round %s: position %d out of range", r.ID, position)
	}
	r.Participants[position].Status = status
	if messageID != "" {
		r.Participants[position].MessageID = messageID
	}
	return nil
}

// InsertAfterCurrent queues membershipID immediately after the current
// position and renumbers the suffix. Duplicates are kept.
func (r *Round) InsertAfterCurrent(membershipID string) Participant {
	at := r.CurrentPosition + 1
	if at > len(r.Participants) {
		at = len(r.Participants)
	}
	p := Participant{
		RoundID:      r.ID,
		MembershipID: membershipID,
		Status:       ParticipantPending,
	}
	r.Participants = append(r.Participants, Participant{})
	copy(r.Participants[at+1:], r.Participants[at:])
	r.Participants[at] = p
	for i := range r.Participants {
		r.Participants[i].Position = i
	}
	return r.Participants[at]
}

// Finish closes the round with reason.
func (r *Round) Finish(reason EndedReason, now time.Time) {
	r.Status = StatusFinished
	r.EndedReason = reason
	r.FinishedAt = &now
	r.UpdatedAt = now
}

// CheckPositions verifies that positions form a dense 0..n-1 sequence.
func (r *Round) CheckPositions() error {
	for i, p := range r.Participants {
		if p.Position != i {
			return fmt.Errorf("round %s: participant at index %d has position %d", r.ID, i, p.Position)
		}
	}
	return nil
}

// MemberIDs returns the queued membership ids in position order.
func (r *Round) MemberIDs() []string {
	out := make([]string, len(r.Participants))
	for i, p := range r.Participants {
		out[i] = p.MembershipID
	}
	return out
}
