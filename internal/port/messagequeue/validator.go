package messagequeue

import (
	"encoding/json"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var runID string
	switch subject {
	case SubjectRunKick:
		var p RunKickPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		runID = p.RunID
	case SubjectRunCancel:
		var p RunCancelPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		runID = p.RunID
	default:
		return nil
	}
	if runID == "" {
		return fmt.Errorf("schema validation failed for %s: run_id is required", subject)
	}
	return nil
}
