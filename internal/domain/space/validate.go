package space

import (
	"fmt"

	"github.com/roundtable-chat/roundtable/internal/domain"
)

var validReplyOrders = map[ReplyOrder]bool{
	ReplyOrderNatural: true,
	ReplyOrderList:    true,
	ReplyOrderPooled:  true,
	ReplyOrderManual:  true,
}

var validPolicies = map[InputPolicy]bool{
	InputPolicyReject:  true,
	InputPolicyRestart: true,
	InputPolicyQueue:   true,
}

// Validate checks that a Space has valid scheduling settings.
func (s *Space) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	if s.ReplyOrder != "" && !validReplyOrders[s.ReplyOrder] {
		return fmt.Errorf("invalid reply_order %q: %w", s.ReplyOrder, domain.ErrValidation)
	}
	if s.InputPolicy != "" && !validPolicies[s.InputPolicy] {
		return fmt.Errorf("invalid during_generation_user_input_policy %q: %w", s.InputPolicy, domain.ErrValidation)
	}
	if s.UserTurnDebounceMS < 0 {
		return fmt.Errorf("user_turn_debounce_ms must be non-negative: %w", domain.ErrValidation)
	}
	if s.AutoModeDelayMS < 0 {
		return fmt.Errorf("auto_mode_delay_ms must be non-negative: %w", domain.ErrValidation)
	}
	return nil
}

// Validate checks that an AddMemberRequest is complete.
func (r *AddMemberRequest) Validate() error {
	switch r.Kind {
	case KindHuman, KindCharacter:
	default:
		return fmt.Errorf("invalid kind %q: %w", r.Kind, domain.ErrValidation)
	}
	if r.DisplayName == "" {
		return fmt.Errorf("display_name is required: %w", domain.ErrValidation)
	}
	if r.Kind == KindCharacter && r.CharacterID == "" {
		return fmt.Errorf("character_id is required for characters: %w", domain.ErrValidation)
	}
	for _, f := range []*float64{r.TalkativenessFactor, r.CardTalkativeness} {
		if f != nil && (*f < 0 || *f > 1) {
			return fmt.Errorf("talkativeness must be within [0, 1]: %w", domain.ErrValidation)
		}
	}
	return nil
}
