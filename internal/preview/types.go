package preview

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is a proposed, not-yet-approved tool invocation. It is immutable
// after creation except for Detail, which accumulates audit metadata
// (content hashes, cancellation timestamps, streaming state) via merge-patch.
type Envelope struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
	Action    string `json:"action"`
	Summary   string `json:"summary"`

	// Detail carries tool-specific metadata (target path, existence flag,
	// process handle). Mutable post-creation via merge-patch.
	Detail map[string]any `json:"detail,omitempty"`

	// OriginalArgs is the exact argument snapshot the tool will be invoked
	// with if approved. Frozen at creation.
	OriginalArgs json.RawMessage `json:"original_args"`

	// CreatedAt is unix milliseconds.
	CreatedAt int64 `json:"created_at"`

	// Hash is a deterministic digest over (tool, action, args, detail),
	// used as the durable dedup key.
	Hash string `json:"hash"`
}

// ValidationError reports a malformed envelope field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid preview envelope: %s %s", e.Field, e.Reason)
}

// New builds a fully-formed envelope with a fresh id, creation timestamp and
// content hash.
func New(sessionID, tool, action, summary string, args json.RawMessage, detail map[string]any) (Envelope, error) {
	env := Envelope{
		ID:           NewPreviewID(),
		SessionID:    sessionID,
		Tool:         tool,
		Action:       action,
		Summary:      summary,
		Detail:       detail,
		OriginalArgs: args,
		CreatedAt:    time.Now().UnixMilli(),
	}

	hash, err := Hash(tool, action, args, detail)
	if err != nil {
		return Envelope{}, fmt.Errorf("hash preview: %w", err)
	}
	env.Hash = hash

	if err := Validate(env); err != nil {
		return Envelope{}, err
	}

	return env, nil
}
