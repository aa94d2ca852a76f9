package preview

import "encoding/json"

// Validate checks that the envelope carries every field the pipeline relies
// on. It accepts the exact shape persisted by the store, so it is safe to run
// both before insert and when rehydrating rows.
func Validate(env Envelope) error {
	if env.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if env.SessionID == "" {
		return &ValidationError{Field: "session_id", Reason: "is required"}
	}
	if env.Tool == "" {
		return &ValidationError{Field: "tool", Reason: "is required"}
	}
	if env.Action == "" {
		return &ValidationError{Field: "action", Reason: "is required"}
	}
	if env.CreatedAt <= 0 {
		return &ValidationError{Field: "created_at", Reason: "must be a positive unix millisecond timestamp"}
	}
	if env.Hash == "" {
		return &ValidationError{Field: "hash", Reason: "is required"}
	}
	if len(env.OriginalArgs) > 0 && !json.Valid(env.OriginalArgs) {
		return &ValidationError{Field: "original_args", Reason: "must be valid JSON"}
	}
	return nil
}
