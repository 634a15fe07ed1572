// Package run defines the ConversationRun domain entity: one AI generation attempt.
package run

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusSkipped:
		return true
	}
	return false
}

// IsActive reports whether the status occupies a scheduling slot.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusRunning
}

// Kind describes why a run exists.
type Kind string

const (
	KindAutoResponse    Kind = "auto_response"
	KindRegenerate      Kind = "regenerate"
	KindForceTalk       Kind = "force_talk"
	KindCopilotStart    Kind = "copilot_start"
	KindCopilotContinue Kind = "copilot_continue"
)

// Run represents a single generation attempt for one speaker.
type Run struct {
	ID                string          `json:"id"`
	ConversationID    string          `json:"conversation_id"`
	RoundID           string          `json:"conversation_round_id,omitempty"`
	SpeakerID         string          `json:"speaker_space_membership_id"`
	Kind              Kind            `json:"kind"`
	Reason            string          `json:"reason"`
	Status            Status          `json:"status"`
	RunAfter          *time.Time      `json:"run_after,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	HeartbeatAt       *time.Time      `json:"heartbeat_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	CancelRequestedAt *time.Time      `json:"cancel_requested_at,omitempty"`
	WorkerID          string          `json:"worker_id,omitempty"`
	Debug             Debug           `json:"debug,omitempty"`
	Error             json.RawMessage `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Debug is free-form provenance metadata attached to a run.
type Debug map[string]any

// With returns a copy of d with key set to value.
func (d Debug) With(key string, value any) Debug {
	out := make(Debug, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	out[key] = value
	return out
}

// String returns the string value stored under key, or "".
func (d Debug) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// IsRoundDriven reports whether the run belongs to a scheduler round.
func (r *Run) IsRoundDriven() bool {
	return r.RoundID != ""
}

// CancelRequested reports whether a cooperative cancel has been requested.
func (r *Run) CancelRequested() bool {
	return r.CancelRequestedAt != nil
}

// Due reports whether a queued run may be dispatched at now.
func (r *Run) Due(now time.Time) bool {
	return r.Status == StatusQueued && (r.RunAfter == nil || !r.RunAfter.After(now))
}

// TargetMessageID returns the message a regenerate run rewrites.
func (r *Run) TargetMessageID() string {
	return r.Debug.String("target_message_id")
}

// Spec holds the fields needed to create a queued run.
type Spec struct {
	ConversationID string
	RoundID        string
	SpeakerID      string
	Kind           Kind
	Reason         string
	RunAfter       *time.Time
	Debug          Debug
}

// ErrorInfo is the structured error recorded on a failed run.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
