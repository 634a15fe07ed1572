package conversation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roundtable-chat/roundtable/internal/domain"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageVisibility controls whether a message shows in the timeline.
type MessageVisibility string

const (
	MessageNormal MessageVisibility = "normal"
	MessageHidden MessageVisibility = "hidden"
)

// MaxContentLength bounds the size of a single message body in runes.
const MaxContentLength = 32000

// Message is an entry in a conversation timeline.
type Message struct {
	ID                 string            `json:"id"`
	ConversationID     string            `json:"conversation_id"`
	Seq                int64             `json:"seq"`
	Role               Role              `json:"role"`
	MembershipID       string            `json:"space_membership_id,omitempty"`
	RunID              string            `json:"conversation_run_id,omitempty"`
	Content            string            `json:"content"`
	ExcludedFromPrompt bool              `json:"excluded_from_prompt"`
	Visibility         MessageVisibility `json:"visibility"`
	OriginMessageID    string            `json:"origin_message_id,omitempty"`
	ForkPoint          bool              `json:"fork_point"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// IsHidden reports whether the message is hidden from the timeline.
func (m *Message) IsHidden() bool {
	return m.Visibility == MessageHidden
}

// SendMessageRequest is the request body for posting a message.
type SendMessageRequest struct {
	MembershipID string `json:"space_membership_id"`
	Content      string `json:"content"`
}

// ValidateContent checks a message body.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("content is required: %w", domain.ErrValidation)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return fmt.Errorf("content exceeds %d characters: %w", MaxContentLength, domain.ErrValidation)
	}
	return nil
}

// LastVisible returns the most recent non-hidden message in history, which
// must be ordered by ascending seq.
func LastVisible(history []Message) *Message {
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].IsHidden() {
			return &history[i]
		}
	}
	return nil
}
