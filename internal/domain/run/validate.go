package run

import (
	"fmt"

	"github.com/roundtable-chat/roundtable/internal/domain"
)

// validStatuses enumerates all valid run statuses.
var validStatuses = map[Status]bool{
	StatusQueued:    true,
	StatusRunning:   true,
	StatusSucceeded: true,
	StatusFailed:    true,
	StatusCanceled:  true,
	StatusSkipped:   true,
}

// validKinds enumerates all valid run kinds.
var validKinds = map[Kind]bool{
	KindAutoResponse:    true,
	KindRegenerate:      true,
	KindForceTalk:       true,
	KindCopilotStart:    true,
	KindCopilotContinue: true,
}

// Validate checks that a Run has all required fields and valid values.
func (r *Run) Validate() error {
	if r.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if r.SpeakerID == "" {
		return fmt.Errorf("speaker_space_membership_id is required")
	}
	if r.Status != "" && !validStatuses[r.Status] {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if r.Kind != "" && !validKinds[r.Kind] {
		return fmt.Errorf("invalid kind %q", r.Kind)
	}
	return nil
}

// Validate checks that a Spec has all required fields.
func (s *Spec) Validate() error {
	if s.ConversationID == "" {
		return fmt.Errorf("conversation_id is required: %w", domain.ErrValidation)
	}
	if s.SpeakerID == "" {
		return fmt.Errorf("speaker is required: %w", domain.ErrValidation)
	}
	if !validKinds[s.Kind] {
		return fmt.Errorf("invalid kind %q: %w", s.Kind, domain.ErrValidation)
	}
	if s.Kind == KindAutoResponse && s.RoundID == "" {
		return fmt.Errorf("auto_response runs need a round: %w", domain.ErrValidation)
	}
	return nil
}
