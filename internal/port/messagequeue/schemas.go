package messagequeue

// RunKickPayload is the schema for runs.kick messages.
type RunKickPayload struct {
	RunID          string `json:"run_id"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason,omitempty"`
}

// RunCancelPayload is the schema for runs.cancel messages.
type RunCancelPayload struct {
	RunID          string `json:"run_id"`
	ConversationID string `json:"conversation_id"`
}
