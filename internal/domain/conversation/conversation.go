// Package conversation defines the Conversation timeline and its Messages.
package conversation

import (
	"time"
)

// SchedulingState is the conversation-level view of the turn scheduler.
type SchedulingState string

const (
	StateIdle              SchedulingState = "idle"
	StateAIGenerating      SchedulingState = "ai_generating"
	StateHumanWaiting      SchedulingState = "human_waiting"
	StateWaitingForSpeaker SchedulingState = "waiting_for_speaker"
	StatePaused            SchedulingState = "paused"
	StateFailed            SchedulingState = "failed"
)

// Kind distinguishes root timelines from branches.
type Kind string

const (
	KindRoot   Kind = "root"
	KindBranch Kind = "branch"
	KindThread Kind = "thread"
)

// Visibility controls who can see a conversation.
type Visibility string

const (
	VisibilityShared  Visibility = "shared"
	VisibilityPrivate Visibility = "private"
)

// Status is the lifecycle status of a conversation.
type Status string

const (
	StatusReady   Status = "ready"
	StatusForking Status = "forking"
	// StatusFailed marks a branch whose background copy did not complete.
	StatusFailed  Status = "failed"
)

// AutoLoop is a bounded auto-play counter.
type AutoLoop struct {
	Enabled         bool `json:"enabled"`
	RemainingRounds int  `json:"remaining_rounds"`
}

// Active reports whether the loop may start another round.
func (a AutoLoop) Active() bool {
	return a.Enabled && a.RemainingRounds > 0
}

// Conversation is a timeline of messages belonging to a space.
type Conversation struct {
	ID                  string          `json:"id"`
	SpaceID             string          `json:"space_id"`
	ParentID            string          `json:"parent_conversation_id,omitempty"`
	RootID              string          `json:"root_conversation_id,omitempty"`
	ForkedFromMessageID string          `json:"forked_from_message_id,omitempty"`
	Kind                Kind            `json:"kind"`
	Visibility          Visibility      `json:"visibility"`
	Status              Status          `json:"status"`
	Title               string          `json:"title"`
	SchedulingState     SchedulingState `json:"scheduling_state"`
	AutoMode            AutoLoop        `json:"auto_mode"`
	AutoWithoutHuman    AutoLoop        `json:"auto_without_human"`
	GroupQueueRevision  int64           `json:"group_queue_revision"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// AnyAutoActive reports whether a conversation-level auto loop is running.
func (c *Conversation) AnyAutoActive() bool {
	return c.AutoMode.Enabled || c.AutoWithoutHuman.Enabled
}

// DisableAuto turns off both conversation-level auto loops.
func (c *Conversation) DisableAuto() {
	c.AutoMode = AutoLoop{}
	c.AutoWithoutHuman = AutoLoop{}
}

// CreateRequest is the request body for creating a new conversation.
type CreateRequest struct {
	SpaceID    string     `json:"space_id"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility,omitempty"`
}

// ForkRequest describes a branch to create from a message.
type ForkRequest struct {
	ParentConversationID string     `json:"parent_conversation_id"`
	FromMessageID        string     `json:"from_message_id"`
	Kind                 Kind       `json:"kind,omitempty"`
	Title                string     `json:"title,omitempty"`
	Visibility           Visibility `json:"visibility,omitempty"`
}
