// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates invalid input.
var ErrValidation = errors.New("validation failed")

// Scheduling failures surfaced to callers as typed results.
var (
	ErrGenerationLocked     = errors.New("generation in progress")
	ErrAutoBlocked          = errors.New("sender is in autopilot mode")
	ErrNoSpeakerAvailable   = errors.New("no speaker available")
	ErrNonTailEditForbidden = errors.New("only the last message can be changed")
	ErrForkPointProtected   = errors.New("message anchors a branch and cannot be changed")
	ErrStaleRound           = errors.New("round changed concurrently")
	ErrNotReady             = errors.New("speaker is not ready")
	ErrRemovedSpeaker       = errors.New("speaker has been removed")
)

// kinds maps each sentinel to its wire name.
var kinds = []struct {
	err  error
	kind string
}{
	{ErrGenerationLocked, "generation_locked"},
	{ErrAutoBlocked, "auto_blocked"},
	{ErrValidation, "validation_failed"},
	{ErrNoSpeakerAvailable, "no_speaker_available"},
	{ErrNonTailEditForbidden, "non_tail_edit_forbidden"},
	{ErrForkPointProtected, "fork_point_protected"},
	{ErrStaleRound, "stale_round"},
	{ErrNotReady, "not_ready"},
	{ErrRemovedSpeaker, "removed_speaker"},
	{ErrNotFound, "not_found"},
	{ErrConflict, "conflict"},
}

// Kind returns the snake_case failure kind for err, or "" when err does not
// wrap a known domain sentinel.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

// IsFailure reports whether err is a typed domain failure rather than an
// infrastructure error.
func IsFailure(err error) bool {
	return Kind(err) != ""
}

// Sentinel returns the domain sentinel wrapped by err, or nil.
func Sentinel(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.err
		}
	}
	return nil
}
