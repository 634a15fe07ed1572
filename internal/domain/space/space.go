// Package space defines the Space (room) and Membership (participant)
// domain entities shared by humans and AI characters.
package space

import "time"

// ReplyOrder selects the speaker selection strategy for a space.
type ReplyOrder string

const (
	ReplyOrderNatural ReplyOrder = "natural"
	ReplyOrderList    ReplyOrder = "list"
	ReplyOrderPooled  ReplyOrder = "pooled"
	ReplyOrderManual  ReplyOrder = "manual"
)

// InputPolicy decides what happens to user input while a generation is queued or running.
type InputPolicy string

const (
	InputPolicyReject  InputPolicy = "reject"
	InputPolicyRestart InputPolicy = "restart"
	InputPolicyQueue   InputPolicy = "queue"
)

// Status is the lifecycle status of a space.
type Status string

const (
	StatusActive   Status = "active"
	StatusDeleting Status = "deleting"
)

// Space is a room that holds human and AI participants and their conversations.
type Space struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	ReplyOrder         ReplyOrder  `json:"reply_order"`
	AllowSelfResponses bool        `json:"allow_self_responses"`
	InputPolicy        InputPolicy `json:"during_generation_user_input_policy"`
	UserTurnDebounceMS int         `json:"user_turn_debounce_ms"`
	AutoModeDelayMS    int         `json:"auto_mode_delay_ms"`
	Status             Status      `json:"status"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// UserTurnDebounce returns the debounce window as a duration.
func (s *Space) UserTurnDebounce() time.Duration {
	return time.Duration(s.UserTurnDebounceMS) * time.Millisecond
}

// AutoModeDelay returns the delay before auto-started rounds dispatch.
func (s *Space) AutoModeDelay() time.Duration {
	return time.Duration(s.AutoModeDelayMS) * time.Millisecond
}

// Policy returns the effective input policy, defaulting to queue.
func (s *Space) Policy() InputPolicy {
	if s.InputPolicy == "" {
		return InputPolicyQueue
	}
	return s.InputPolicy
}

// Order returns the effective reply order, defaulting to natural.
func (s *Space) Order() ReplyOrder {
	if s.ReplyOrder == "" {
		return ReplyOrderNatural
	}
	return s.ReplyOrder
}

// CreateRequest holds the fields needed to create a space.
type CreateRequest struct {
	Name               string      `json:"name"`
	ReplyOrder         ReplyOrder  `json:"reply_order,omitempty"`
	AllowSelfResponses bool        `json:"allow_self_responses,omitempty"`
	InputPolicy        InputPolicy `json:"during_generation_user_input_policy,omitempty"`
	UserTurnDebounceMS int         `json:"user_turn_debounce_ms,omitempty"`
	AutoModeDelayMS    int         `json:"auto_mode_delay_ms,omitempty"`
}

// SettingsUpdate is a partial update of space scheduling settings.
type SettingsUpdate struct {
	ReplyOrder         *ReplyOrder  `json:"reply_order,omitempty"`
	AllowSelfResponses *bool        `json:"allow_self_responses,omitempty"`
	InputPolicy        *InputPolicy `json:"during_generation_user_input_policy,omitempty"`
	UserTurnDebounceMS *int         `json:"user_turn_debounce_ms,omitempty"`
	AutoModeDelayMS    *int         `json:"auto_mode_delay_ms,omitempty"`
}

// Apply copies the non-nil fields of u onto s.
func (u *SettingsUpdate) Apply(s *Space) {
	if u.ReplyOrder != nil {
		s.ReplyOrder = *u.ReplyOrder
	}
	if u.AllowSelfResponses != nil {
		s.AllowSelfResponses = *u.AllowSelfResponses
	}
	if u.InputPolicy != nil {
		s.InputPolicy = *u.InputPolicy
	}
	if u.UserTurnDebounceMS != nil {
		s.UserTurnDebounceMS = *u.UserTurnDebounceMS
	}
	if u.AutoModeDelayMS != nil {
		s.AutoModeDelayMS = *u.AutoModeDelayMS
	}
}
